package registry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-renditions/internal/media"
)

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

// TestPostgresStore runs against a real database when
// RENDITIONS_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("RENDITIONS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("RENDITIONS_TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(dsn, nil))

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store { return NewPostgresStore(pool) })
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("asset round trip", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		dur := 12.4
		asset := newAsset(media.KindVideo)
		asset.DurationSeconds = &dur
		require.NoError(t, s.CreateAsset(ctx, asset))

		got, err := s.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, media.KindVideo, got.Kind)
		require.NotNil(t, got.DurationSeconds)
		assert.InDelta(t, 12.4, *got.DurationSeconds, 1e-9)

		require.NoError(t, s.UpdateAssetURL(ctx, asset.ID, "https://cdn/large/x.webp"))
		got, err = s.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn/large/x.webp", got.URL)

		_, err = s.GetAsset(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.UpdateAssetURL(ctx, uuid.New(), "x"), ErrNotFound)
	})

	t.Run("upsert keeps one row per profile", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		asset := newAsset(media.KindImage)
		require.NoError(t, s.CreateAsset(ctx, asset))

		first := newDerivative(asset.ID, "large", 1200, 900)
		require.NoError(t, s.UpsertDerivative(ctx, first))
		firstID := first.ID

		again := newDerivative(asset.ID, "large", 1200, 800)
		again.Size = 999
		require.NoError(t, s.UpsertDerivative(ctx, again))
		assert.Equal(t, firstID, again.ID)

		list, err := s.ListDerivatives(ctx, asset.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 800, list[0].Height)
		assert.Equal(t, int64(999), list[0].Size)
	})

	t.Run("upsert requires parent asset", func(t *testing.T) {
		s := newStore(t)
		err := s.UpsertDerivative(context.Background(), newDerivative(uuid.New(), "small", 150, 150))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete cascades", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		asset := newAsset(media.KindImage)
		require.NoError(t, s.CreateAsset(ctx, asset))
		require.NoError(t, s.UpsertDerivative(ctx, newDerivative(asset.ID, "small", 150, 150)))
		require.NoError(t, s.UpsertDerivative(ctx, newDerivative(asset.ID, "medium", 600, 450)))

		require.NoError(t, s.DeleteAsset(ctx, asset.ID))

		list, err := s.ListDerivatives(ctx, asset.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
		_, err = s.GetDerivative(ctx, asset.ID, "small")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent upserts converge", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		asset := newAsset(media.KindImage)
		require.NoError(t, s.CreateAsset(ctx, asset))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.UpsertDerivative(ctx, newDerivative(asset.ID, "medium", 600, 450)))
			}()
		}
		wg.Wait()

		list, err := s.ListDerivatives(ctx, asset.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("assets missing derivatives", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		complete := newAsset(media.KindImage)
		partial := newAsset(media.KindImage)
		avatar := newAsset(media.KindImage)
		avatar.Category = media.CategoryAvatar
		failed := newAsset(media.KindImage)
		failed.Status = media.StatusFailed
		failed.FailureReason = "decode"
		tiny := newAsset(media.KindImage)
		tiny.Width, tiny.Height = 300, 300
		unknown := newAsset(media.KindImage)
		unknown.Width, unknown.Height = 0, 0
		for _, a := range []*media.SourceAsset{complete, partial, avatar, failed, tiny, unknown} {
			require.NoError(t, s.CreateAsset(ctx, a))
		}
		for _, p := range []string{"small", "large"} {
			require.NoError(t, s.UpsertDerivative(ctx, newDerivative(complete.ID, p, 10, 10)))
		}
		for _, a := range []*media.SourceAsset{partial, tiny, unknown} {
			require.NoError(t, s.UpsertDerivative(ctx, newDerivative(a.ID, "small", 10, 10)))
		}

		profiles := []media.Profile{
			{Name: "small", Mode: media.ModeCrop, Size: 150, Quality: 75},
			{Name: "large", Mode: media.ModeFit, Size: 1200, Quality: 85},
		}
		missing, err := s.ListAssetsMissingDerivatives(ctx, profiles, 1000)
		require.NoError(t, err)

		ids := make(map[uuid.UUID]bool)
		for _, a := range missing {
			ids[a.ID] = true
		}
		assert.True(t, ids[partial.ID])
		assert.False(t, ids[complete.ID])
		assert.False(t, ids[avatar.ID])
		assert.False(t, ids[failed.ID])
		assert.False(t, ids[tiny.ID], "large is never produced for a 300x300 source")
		assert.True(t, ids[unknown.ID])
	})
}

func newAsset(kind media.Kind) *media.SourceAsset {
	return &media.SourceAsset{
		ID:           uuid.New(),
		Kind:         kind,
		Category:     media.CategoryGeneral,
		URL:          "https://origin/uploads/original",
		OriginBucket: "uploads",
		OriginKey:    "original",
		MimeType:     "image/jpeg",
		Size:         1024,
		Width:        4000,
		Height:       3000,
		Status:       media.StatusCompleted,
		CreatedAt:    time.Now().UTC(),
	}
}

func newDerivative(assetID uuid.UUID, profile string, w, h int) *media.Derivative {
	key := assetID.String() + ".webp"
	return &media.Derivative{
		SourceAssetID: assetID,
		Profile:       profile,
		Bucket:        "renditions-" + profile,
		Key:           key,
		URL:           "https://cdn/renditions-" + profile + "/" + key,
		Width:         w,
		Height:        h,
		Size:          int64(w * h / 10),
		Quality:       80,
	}
}
