package services

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/npmvault/npmvault/internal/common"
	"github.com/npmvault/npmvault/internal/server/blobstore"
	"github.com/npmvault/npmvault/internal/server/models"
	"github.com/npmvault/npmvault/internal/server/repositories/repomanager"
)

// Attachment is one tarball as the publish request carries it: base64 bytes
// plus a content type, keyed by file name.
type Attachment struct {
	Data        string `json:"data"`
	ContentType string `json:"content_type"`
}

// PackageService orchestrates the package lifecycle across the metadata
// table and the blob store, enforcing the permission checks of the acting
// identity on every operation.
type PackageService struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	users *UserService
	blobs blobstore.Store
}

func NewPackageService(db *sql.DB, repos repomanager.RepositoryManager, users *UserService, blobs blobstore.Store) *PackageService {
	return &PackageService{db: db, repos: repos, users: users, blobs: blobs}
}

// Get returns the manifest of a readable package. Fails with
// common.ErrorForbidden when the user may not read it.
func (s *PackageService) Get(ctx context.Context, user *models.User, name string) (models.Manifest, error) {
	pkg, err := s.repos.Packages(s.db).GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !user.CanRead(pkg.Name) {
		return nil, common.ErrorForbidden
	}
	return pkg.Info, nil
}

// GetBatch fetches many packages at once, degrading to partial results on
// backend trouble (see the repository contract).
func (s *PackageService) GetBatch(ctx context.Context, names []string) []*models.Package {
	return s.repos.Packages(s.db).GetByNames(ctx, names)
}

// Publish creates or updates a package.
//
// An existing package requires write access; a new name requires the global
// publish permission and establishes ownership for the publisher. Incoming
// versions and dist-tags merge into the stored manifest (incoming wins per
// key, untouched entries survive). Attachments are uploaded before the
// manifest write, so a failed upload aborts the publish with the metadata
// unchanged; blobs already uploaded by the failed attempt are not removed.
func (s *PackageService) Publish(ctx context.Context, user *models.User, name string, manifest models.Manifest, attachments map[string]Attachment) error {
	repo := s.repos.Packages(s.db)

	existing, err := repo.GetByName(ctx, name)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	if existing != nil && !user.CanWrite(name) {
		return common.ErrorForbidden
	}
	if existing == nil && !user.CanPerform(models.ActionPublish) {
		return common.ErrorForbidden
	}

	manifest["maintainers"] = []any{map[string]any{"name": user.Name, "email": user.Email}}
	manifest["time"] = map[string]any{"modified": time.Now().UTC().Format(time.RFC3339)}

	if existing != nil {
		manifest = models.MergeManifests(existing.Info, manifest)
	}

	for fileName, att := range attachments {
		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return fmt.Errorf("%w: attachment %s is not valid base64", common.ErrorBadRequest, fileName)
		}
		if err := s.blobs.Put(ctx, fileName, data, att.ContentType); err != nil {
			return err
		}
	}

	manifest["_rev"] = newRev()
	if _, err := repo.Put(ctx, &models.Package{Name: name, Info: manifest}); err != nil {
		return err
	}

	return s.users.GrantWrite(ctx, user, name)
}

// Unpublish removes one version, or the whole package when version is "".
// Removing the last remaining version also removes the package record.
func (s *PackageService) Unpublish(ctx context.Context, user *models.User, name, version string) error {
	repo := s.repos.Packages(s.db)

	pkg, err := repo.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if !user.CanWrite(pkg.Name) {
		return common.ErrorForbidden
	}

	if version == "" {
		return s.removeAll(ctx, pkg)
	}

	if fileName := pkg.Info.TarballName(version); fileName != "" {
		if err := s.blobs.Delete(ctx, fileName); err != nil {
			return err
		}
	}

	pkg.Info.RemoveVersion(version)

	// Dist-tags pointing at the removed version are left dangling.
	if len(pkg.Info.Versions()) == 0 {
		return repo.Delete(ctx, pkg.Name)
	}

	pkg.Info["_rev"] = newRev()
	_, err = repo.Update(ctx, pkg)
	return err
}

// removeAll deletes every version's artifact and the package record as
// independent concurrent tasks. Success is the conjunction of all of them;
// there is no rollback, so a failed call may leave some deletions applied.
// Retrying is safe because blob deletion tolerates missing objects.
func (s *PackageService) removeAll(ctx context.Context, pkg *models.Package) error {
	repo := s.repos.Packages(s.db)

	g, ctx := errgroup.WithContext(ctx)

	for version := range pkg.Info.Versions() {
		fileName := pkg.Info.TarballName(version)
		if fileName == "" {
			continue
		}
		g.Go(func() error {
			return s.blobs.Delete(ctx, fileName)
		})
	}

	g.Go(func() error {
		return repo.Delete(ctx, pkg.Name)
	})

	return g.Wait()
}

// DistTags lists a package's dist-tags. Write access required, matching the
// npm dist-tag command surface.
func (s *PackageService) DistTags(ctx context.Context, user *models.User, name string) (map[string]any, error) {
	pkg, err := s.repos.Packages(s.db).GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !user.CanWrite(pkg.Name) {
		return nil, common.ErrorForbidden
	}
	return pkg.Info.DistTags(), nil
}

// SetDistTag points tag at version and persists. The version is not checked
// against the versions mapping.
func (s *PackageService) SetDistTag(ctx context.Context, user *models.User, name, tag, version string) error {
	repo := s.repos.Packages(s.db)

	pkg, err := repo.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if !user.CanWrite(pkg.Name) {
		return common.ErrorForbidden
	}

	pkg.Info.SetDistTag(tag, version)
	pkg.Info["_rev"] = newRev()
	_, err = repo.Update(ctx, pkg)
	return err
}

// RemoveDistTag deletes tag and persists. A missing tag is a no-op.
func (s *PackageService) RemoveDistTag(ctx context.Context, user *models.User, name, tag string) error {
	repo := s.repos.Packages(s.db)

	pkg, err := repo.GetByName(ctx, name)
	if err != nil {
		return err
	}
	if !user.CanWrite(pkg.Name) {
		return common.ErrorForbidden
	}

	pkg.Info.RemoveDistTag(tag)
	pkg.Info["_rev"] = newRev()
	_, err = repo.Update(ctx, pkg)
	return err
}

// DownloadURL resolves a signed, short-lived retrieval link for a readable
// package's tarball.
func (s *PackageService) DownloadURL(ctx context.Context, user *models.User, name, tarball string) (string, error) {
	pkg, err := s.repos.Packages(s.db).GetByName(ctx, name)
	if err != nil {
		return "", err
	}
	if !user.CanRead(pkg.Name) {
		return "", common.ErrorForbidden
	}
	return s.blobs.SignedGetURL(ctx, tarball)
}

// newRev stamps a manifest revision in the couch-style "N-opaque" form.
func newRev() string {
	return "1-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
