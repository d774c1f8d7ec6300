// Package blobstore stores package tarballs as private blobs and hands out
// time-limited signed retrieval links.
package blobstore

import "context"

// Store is the artifact namespace contract.
//
// Put stores a private blob under fileName; concurrent puts to the same name
// race with last-write-wins. Delete is idempotent from the caller's view:
// deleting an absent blob is not an error. SignedGetURL returns a retrieval
// URL valid for a fixed short window and fails with common.ErrorNotFound
// when the blob does not exist.
type Store interface {
	Put(ctx context.Context, fileName string, data []byte, contentType string) error
	Delete(ctx context.Context, fileName string) error
	SignedGetURL(ctx context.Context, fileName string) (string, error)
}
