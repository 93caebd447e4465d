// Package media holds the records shared by the rendition pipeline: source
// assets, their derivatives and the size profiles that produce them.
package media

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindImage Kind = "IMAGE"
	KindVideo Kind = "VIDEO"
)

// Category separates avatars, which are cropped upstream, from general uploads.
type Category string

const (
	CategoryGeneral Category = "GENERAL"
	CategoryAvatar  Category = "AVATAR"
)

type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// SourceAsset is one uploaded file. Only URL changes after creation.
type SourceAsset struct {
	ID              uuid.UUID
	Kind            Kind
	Category        Category
	URL             string
	OriginBucket    string
	OriginKey       string
	MimeType        string
	Size            int64
	Width           int
	Height          int
	DurationSeconds *float64
	Status          Status
	FailureReason   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a *SourceAsset) IsVideo() bool  { return a.Kind == KindVideo }
func (a *SourceAsset) IsAvatar() bool { return a.Category == CategoryAvatar }

// Derivative is one rendition of a SourceAsset, unique per (SourceAssetID, Profile).
type Derivative struct {
	ID            uuid.UUID
	SourceAssetID uuid.UUID
	Profile       string
	Bucket        string
	Key           string
	URL           string
	Width         int
	Height        int
	Size          int64
	Quality       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LongEdge returns the larger of the two pixel dimensions.
func (d *Derivative) LongEdge() int {
	if d.Width > d.Height {
		return d.Width
	}
	return d.Height
}
