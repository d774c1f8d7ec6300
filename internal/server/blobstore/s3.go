package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/npmvault/npmvault/internal/common"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	putObject = func(c *s3.Client, ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
		return c.PutObject(ctx, in)
	}
	deleteObject = func(c *s3.Client, ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
		return c.DeleteObject(ctx, in)
	}
	headObject = func(c *s3.Client, ctx context.Context, in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
		return c.HeadObject(ctx, in)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Store keeps tarballs in one S3-compatible bucket with private ACLs.
type S3Store struct {
	bucket       string
	region       string
	baseEndpoint string
	rootUser     string
	rootPassword string
	urlTTL       time.Duration
}

func NewS3Store(bucket, region, baseEndpoint, rootUser, rootPassword string, urlTTL time.Duration) *S3Store {
	return &S3Store{
		bucket:       bucket,
		region:       region,
		baseEndpoint: baseEndpoint,
		rootUser:     rootUser,
		rootPassword: rootPassword,
		urlTTL:       urlTTL,
	}
}

func (s *S3Store) getClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.rootUser,
			s.rootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	return newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if s.baseEndpoint != "" {
			o.BaseEndpoint = aws.String(s.baseEndpoint)
		}
	}), nil
}

func (s *S3Store) Put(ctx context.Context, fileName string, data []byte, contentType string) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	_, err = putObject(client, ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &fileName,
		Body:        bytes.NewReader(data),
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrorStore, err)
	}
	return nil
}

// Delete removes the blob. S3 object deletion already succeeds for missing
// keys, which gives the idempotency the unpublish retry path relies on.
func (s *S3Store) Delete(ctx context.Context, fileName string) error {
	client, err := s.getClient(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	if _, err := deleteObject(client, ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &fileName,
	}); err != nil {
		return fmt.Errorf("%w: %s", common.ErrorStore, err)
	}
	return nil
}

func (s *S3Store) SignedGetURL(ctx context.Context, fileName string) (string, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	if _, err := headObject(client, ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &fileName,
	}); err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	req, err := presignGetObject(newS3PresignClient(client), ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &fileName,
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrorStore, err)
	}

	return req.URL, nil
}
