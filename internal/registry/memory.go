package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-renditions/internal/media"
)

// MemoryStore implements Store in process memory. Reads return copies.
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[uuid.UUID]*media.SourceAsset
	derivatives map[uuid.UUID]map[string]*media.Derivative // asset id -> profile -> row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[uuid.UUID]*media.SourceAsset),
		derivatives: make(map[uuid.UUID]map[string]*media.Derivative),
	}
}

func (m *MemoryStore) CreateAsset(ctx context.Context, asset *media.SourceAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if _, exists := m.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists", asset.ID)
	}

	now := time.Now().UTC()
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now

	m.assets[asset.ID] = copyAsset(asset)
	return nil
}

func (m *MemoryStore) GetAsset(ctx context.Context, id uuid.UUID) (*media.SourceAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	asset, ok := m.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return copyAsset(asset), nil
}

func (m *MemoryStore) UpdateAssetURL(ctx context.Context, id uuid.UUID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	asset.URL = url
	asset.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[id]; !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	delete(m.assets, id)
	delete(m.derivatives, id)
	return nil
}

func (m *MemoryStore) UpsertDerivative(ctx context.Context, d *media.Derivative) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assets[d.SourceAssetID]; !ok {
		return fmt.Errorf("asset %s: %w", d.SourceAssetID, ErrNotFound)
	}

	byProfile := m.derivatives[d.SourceAssetID]
	if byProfile == nil {
		byProfile = make(map[string]*media.Derivative)
		m.derivatives[d.SourceAssetID] = byProfile
	}

	now := time.Now().UTC()
	if existing, ok := byProfile[d.Profile]; ok {
		d.ID = existing.ID
		d.CreatedAt = existing.CreatedAt
	} else {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	byProfile[d.Profile] = copyDerivative(d)
	return nil
}

func (m *MemoryStore) GetDerivative(ctx context.Context, assetID uuid.UUID, profile string) (*media.Derivative, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.derivatives[assetID][profile]
	if !ok {
		return nil, fmt.Errorf("derivative %s/%s: %w", assetID, profile, ErrNotFound)
	}
	return copyDerivative(d), nil
}

func (m *MemoryStore) ListDerivatives(ctx context.Context, assetID uuid.UUID) ([]*media.Derivative, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*media.Derivative, 0, len(m.derivatives[assetID]))
	for _, d := range m.derivatives[assetID] {
		out = append(out, copyDerivative(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out, nil
}

func (m *MemoryStore) ListAssetsMissingDerivatives(ctx context.Context, profiles []media.Profile, limit int) ([]*media.SourceAsset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*media.SourceAsset
	for id, asset := range m.assets {
		if asset.Status != media.StatusCompleted || asset.IsAvatar() {
			continue
		}
		for _, p := range profiles {
			if !p.Produces(asset.Width, asset.Height) {
				continue
			}
			if _, ok := m.derivatives[id][p.Name]; !ok {
				out = append(out, copyAsset(asset))
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyAsset(a *media.SourceAsset) *media.SourceAsset {
	c := *a
	if a.DurationSeconds != nil {
		d := *a.DurationSeconds
		c.DurationSeconds = &d
	}
	return &c
}

func copyDerivative(d *media.Derivative) *media.Derivative {
	c := *d
	return &c
}
