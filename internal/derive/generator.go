// Package derive produces resized image derivatives for uploaded assets.
package derive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	// imaging registers jpeg/png/gif/bmp/tiff decoders; webp sources
	// additionally need this one.
	_ "golang.org/x/image/webp"

	"filekeeper/internal/models"
)

type Stage string

const (
	StageSourceRead      Stage = "source_read"
	StageFormatDetection Stage = "format_detection"
	StageDecode          Stage = "decode"
	StageWrite           Stage = "write"
)

// Error is a per-asset generation failure tagged with the asset and format
// it belongs to. One asset failing never aborts the rest of a batch.
type Error struct {
	AssetID uuid.UUID
	Format  models.FormatKind
	Stage   Stage
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("asset %s (%s): %s: %v", e.AssetID, e.Format, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// BlobStore reads original asset bytes and persists derived bytes.
type BlobStore interface {
	ReadSource(ctx context.Context, assetID uuid.UUID) ([]byte, error)
	WriteDerived(ctx context.Context, assetID uuid.UUID, formatCode string, data []byte) error
}

// FormatResult describes one successfully produced derivative.
type FormatResult struct {
	Kind   models.FormatKind
	Width  int
	Height int
}

// Generator turns one source asset into its configured derivative formats.
// It holds no state between calls; every invocation is independent.
type Generator struct {
	blobs   BlobStore
	formats []models.FormatKind
	quality int
}

func NewGenerator(blobs BlobStore, quality int) *Generator {
	return &Generator{
		blobs:   blobs,
		formats: []models.FormatKind{models.FormatThumbnail},
		quality: quality,
	}
}

// Generate reads the asset's source bytes, normalizes orientation, and
// produces every configured format. The returned error is always a *Error.
func (g *Generator) Generate(ctx context.Context, assetID uuid.UUID) ([]FormatResult, error) {
	data, err := g.blobs.ReadSource(ctx, assetID)
	if err != nil {
		return nil, g.fail(assetID, g.formats[0], StageSourceRead, err)
	}

	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, g.fail(assetID, g.formats[0], StageFormatDetection,
			fmt.Errorf("unsupported source encoding %q", mt.String()))
	}

	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, g.fail(assetID, g.formats[0], StageDecode, err)
	}

	// Best effort: an absent or unparsable tag means no correction.
	src = ApplyOrientation(src, ReadOrientation(bytes.NewReader(data)))

	results := make([]FormatResult, 0, len(g.formats))
	for _, format := range g.formats {
		// Fit preserves aspect ratio and never upscales.
		thumb := imaging.Fit(src, format.MaxEdge(), format.MaxEdge(), imaging.Lanczos)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(g.quality)); err != nil {
			return nil, g.fail(assetID, format, StageWrite, err)
		}
		if err := g.blobs.WriteDerived(ctx, assetID, format.Code(), buf.Bytes()); err != nil {
			return nil, g.fail(assetID, format, StageWrite, err)
		}

		b := thumb.Bounds()
		results = append(results, FormatResult{Kind: format, Width: b.Dx(), Height: b.Dy()})
	}
	return results, nil
}

func (g *Generator) fail(assetID uuid.UUID, format models.FormatKind, stage Stage, err error) *Error {
	return &Error{AssetID: assetID, Format: format, Stage: stage, Err: err}
}
