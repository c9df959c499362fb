// internal/models/models.go
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OperationStatus string

const (
	OperationPending       OperationStatus = "pending"
	OperationInterrupted   OperationStatus = "interrupted"
	OperationFailed        OperationStatus = "failed"
	OperationSuccess       OperationStatus = "success"
	OperationUnrecoverable OperationStatus = "unrecoverable"
	OperationRecovered     OperationStatus = "recovered"
)

// Terminal reports whether s allows no further transitions. Terminal statuses
// are the only ones that carry an ended_at timestamp.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationSuccess, OperationUnrecoverable, OperationRecovered:
		return true
	}
	return false
}

type OperationKind string

const (
	KindGeneral         OperationKind = "general"
	KindImageProcessing OperationKind = "image_processing"
)

// Operation is one row per submitted or recovered batch of background work.
type Operation struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	Owner     uuid.UUID       `db:"owner" json:"owner"`
	Kind      OperationKind   `db:"kind" json:"kind"`
	Status    OperationStatus `db:"status" json:"status"`
	Metadata  []byte          `db:"metadata" json:"-"`
	Result    string          `db:"result" json:"result,omitempty"`
	StartedAt time.Time       `db:"started_at" json:"started_at"`
	EndedAt   *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// BatchMetadata is the payload stored in Operation.Metadata for
// image-processing operations.
type BatchMetadata struct {
	AssetIDs []uuid.UUID `json:"asset_ids"`
	// StartedBy is set on recovery runs and points at the operation being
	// recovered.
	StartedBy *uuid.UUID `json:"started_by,omitempty"`
}

func (m BatchMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeBatchMetadata(data []byte) (BatchMetadata, error) {
	var m BatchMetadata
	err := json.Unmarshal(data, &m)
	return m, err
}

type PreviewStatus string

const (
	PreviewUnavailable PreviewStatus = "unavailable"
	PreviewProcessing  PreviewStatus = "processing"
	PreviewReady       PreviewStatus = "ready"
	PreviewFailed      PreviewStatus = "failed"
)

// File is an uploaded asset. Only PreviewStatus changes after upload.
type File struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Owner         uuid.UUID     `db:"owner" json:"owner"`
	Name          string        `db:"name" json:"name"`
	PreviewStatus PreviewStatus `db:"preview_status" json:"preview_status"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

type FormatKind string

const FormatThumbnail FormatKind = "thumbnail"

// Code is the short name used in derived blob addressing ({asset_id}_{code}).
func (f FormatKind) Code() string {
	switch f {
	case FormatThumbnail:
		return "thumb"
	}
	return string(f)
}

// MaxEdge is the long-edge cap in pixels. Derivatives are never upscaled.
func (f FormatKind) MaxEdge() int {
	switch f {
	case FormatThumbnail:
		return 256
	}
	return 0
}

// DerivedFormat is one successfully produced derivative per (asset, format).
// The encoded bytes live in blob storage, not in this row.
type DerivedFormat struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	AssetID   uuid.UUID  `db:"asset_id" json:"asset_id"`
	Kind      FormatKind `db:"format_kind" json:"format_kind"`
	Width     int        `db:"width" json:"width"`
	Height    int        `db:"height" json:"height"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
