// internal/storage/blob.go
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// BlobStore keeps original and derived bytes on the local filesystem under
// a single root. Derived blobs are addressed deterministically by
// {asset_id}_{format_code}, so serving them needs no database lookup.
type BlobStore struct {
	root string
}

func NewBlobStore(root string) (*BlobStore, error) {
	const op = "storage.NewBlobStore"
	for _, dir := range []string{"original", "derived"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
	}
	return &BlobStore{root: root}, nil
}

func (b *BlobStore) sourcePath(assetID uuid.UUID) string {
	return filepath.Join(b.root, "original", assetID.String())
}

func (b *BlobStore) derivedPath(assetID uuid.UUID, formatCode string) string {
	return filepath.Join(b.root, "derived", assetID.String()+"_"+formatCode+".jpg")
}

func (b *BlobStore) WriteSource(_ context.Context, assetID uuid.UUID, data []byte) error {
	const op = "storage.BlobStore.WriteSource"
	if err := os.WriteFile(b.sourcePath(assetID), data, 0o644); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (b *BlobStore) ReadSource(_ context.Context, assetID uuid.UUID) ([]byte, error) {
	return os.ReadFile(b.sourcePath(assetID))
}

func (b *BlobStore) WriteDerived(_ context.Context, assetID uuid.UUID, formatCode string, data []byte) error {
	const op = "storage.BlobStore.WriteDerived"
	if err := os.WriteFile(b.derivedPath(assetID, formatCode), data, 0o644); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (b *BlobStore) ReadDerived(_ context.Context, assetID uuid.UUID, formatCode string) ([]byte, error) {
	return os.ReadFile(b.derivedPath(assetID, formatCode))
}

// Remove deletes the original and every derived blob for the asset.
// Missing files are not an error.
func (b *BlobStore) Remove(_ context.Context, assetID uuid.UUID, formatCodes ...string) {
	os.Remove(b.sourcePath(assetID))
	for _, code := range formatCodes {
		os.Remove(b.derivedPath(assetID, code))
	}
}
