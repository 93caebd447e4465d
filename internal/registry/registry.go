// Package registry persists source assets and one derivative row per
// (asset, profile).
package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tendant/simple-renditions/internal/media"
)

var ErrNotFound = errors.New("record not found")

// Store is the relational surface of the pipeline.
type Store interface {
	CreateAsset(ctx context.Context, asset *media.SourceAsset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*media.SourceAsset, error)
	UpdateAssetURL(ctx context.Context, id uuid.UUID, url string) error
	// DeleteAsset removes the asset and all of its derivatives.
	DeleteAsset(ctx context.Context, id uuid.UUID) error

	// UpsertDerivative inserts or replaces the row for (SourceAssetID, Profile).
	// On return d carries the persisted ID and timestamps. The parent asset
	// must exist.
	UpsertDerivative(ctx context.Context, d *media.Derivative) error
	GetDerivative(ctx context.Context, assetID uuid.UUID, profile string) (*media.Derivative, error)
	ListDerivatives(ctx context.Context, assetID uuid.UUID) ([]*media.Derivative, error)

	// ListAssetsMissingDerivatives returns completed, non-avatar assets that
	// lack a derivative for at least one of profiles the asset Produces,
	// oldest first.
	ListAssetsMissingDerivatives(ctx context.Context, profiles []media.Profile, limit int) ([]*media.SourceAsset, error)
}
