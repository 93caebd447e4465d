package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tendant/simple-renditions/internal/media"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresStore implements Store on PostgreSQL. Tables come from Migrate.
type PostgresStore struct {
	db DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const assetColumns = `id, kind, category, url, origin_bucket, origin_key, mime_type, size_bytes,
       width, height, duration_seconds, status, failure_reason, created_at, updated_at`

const derivativeColumns = `id, source_asset_id, profile, bucket, object_key, url, width, height,
       size_bytes, quality, created_at, updated_at`

func (s *PostgresStore) CreateAsset(ctx context.Context, asset *media.SourceAsset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	if asset.Category == "" {
		asset.Category = media.CategoryGeneral
	}

	query := `
        INSERT INTO source_assets (id, kind, category, url, origin_bucket, origin_key, mime_type,
                                   size_bytes, width, height, duration_seconds, status, failure_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		asset.ID, asset.Kind, asset.Category, asset.URL, asset.OriginBucket, asset.OriginKey,
		asset.MimeType, asset.Size, asset.Width, asset.Height, asset.DurationSeconds,
		asset.Status, asset.FailureReason,
	).Scan(&asset.CreatedAt, &asset.UpdatedAt)
	if err != nil {
		return handlePostgresError("create asset", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id uuid.UUID) (*media.SourceAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM source_assets WHERE id = $1`

	asset, err := scanAsset(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, handlePostgresError("get asset", err)
	}
	return asset, nil
}

func (s *PostgresStore) UpdateAssetURL(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := s.db.Exec(ctx, `UPDATE source_assets SET url = $2, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return handlePostgresError("update asset url", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAsset relies on ON DELETE CASCADE for the derivative rows.
func (s *PostgresStore) DeleteAsset(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM source_assets WHERE id = $1`, id)
	if err != nil {
		return handlePostgresError("delete asset", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) UpsertDerivative(ctx context.Context, d *media.Derivative) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}

	// the conflicting row keeps its id and created_at
	query := `
        INSERT INTO derivatives (id, source_asset_id, profile, bucket, object_key, url,
                                 width, height, size_bytes, quality)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (source_asset_id, profile) DO UPDATE SET
            bucket = EXCLUDED.bucket,
            object_key = EXCLUDED.object_key,
            url = EXCLUDED.url,
            width = EXCLUDED.width,
            height = EXCLUDED.height,
            size_bytes = EXCLUDED.size_bytes,
            quality = EXCLUDED.quality,
            updated_at = now()
        RETURNING id, created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		d.ID, d.SourceAssetID, d.Profile, d.Bucket, d.Key, d.URL,
		d.Width, d.Height, d.Size, d.Quality,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return handlePostgresError("upsert derivative", err)
	}
	return nil
}

func (s *PostgresStore) GetDerivative(ctx context.Context, assetID uuid.UUID, profile string) (*media.Derivative, error) {
	query := `SELECT ` + derivativeColumns + ` FROM derivatives WHERE source_asset_id = $1 AND profile = $2`

	d, err := scanDerivative(s.db.QueryRow(ctx, query, assetID, profile))
	if err != nil {
		return nil, handlePostgresError("get derivative", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDerivatives(ctx context.Context, assetID uuid.UUID) ([]*media.Derivative, error) {
	query := `SELECT ` + derivativeColumns + ` FROM derivatives WHERE source_asset_id = $1 ORDER BY profile`

	rows, err := s.db.Query(ctx, query, assetID)
	if err != nil {
		return nil, handlePostgresError("list derivatives", err)
	}
	defer rows.Close()

	out := make([]*media.Derivative, 0)
	for rows.Next() {
		d, err := scanDerivative(rows)
		if err != nil {
			return nil, handlePostgresError("scan derivative", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list derivatives", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAssetsMissingDerivatives(ctx context.Context, profiles []media.Profile, limit int) ([]*media.SourceAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	names := make([]string, len(profiles))
	sizes := make([]int32, len(profiles))
	crops := make([]bool, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
		sizes[i] = int32(p.Size)
		crops[i] = p.IsCrop()
	}

	query := `
        SELECT ` + assetColumns + `
        FROM source_assets a
        WHERE a.status = $1
          AND a.category <> $2
          AND EXISTS (
              SELECT 1 FROM unnest($3::text[], $4::int[], $5::bool[]) AS p(profile, size, crop)
              WHERE (p.crop OR a.width <= 0 OR a.height <= 0 OR GREATEST(a.width, a.height) > p.size)
                AND NOT EXISTS (
                  SELECT 1 FROM derivatives d
                  WHERE d.source_asset_id = a.id AND d.profile = p.profile
              )
          )
        ORDER BY a.created_at, a.id
        LIMIT $6`

	rows, err := s.db.Query(ctx, query, media.StatusCompleted, media.CategoryAvatar, names, sizes, crops, limit)
	if err != nil {
		return nil, handlePostgresError("list assets missing derivatives", err)
	}
	defer rows.Close()

	var out []*media.SourceAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, handlePostgresError("scan asset", err)
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list assets missing derivatives", err)
	}
	return out, nil
}

func scanAsset(row pgx.Row) (*media.SourceAsset, error) {
	var a media.SourceAsset
	err := row.Scan(&a.ID, &a.Kind, &a.Category, &a.URL, &a.OriginBucket, &a.OriginKey,
		&a.MimeType, &a.Size, &a.Width, &a.Height, &a.DurationSeconds, &a.Status,
		&a.FailureReason, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanDerivative(row pgx.Row) (*media.Derivative, error) {
	var d media.Derivative
	err := row.Scan(&d.ID, &d.SourceAssetID, &d.Profile, &d.Bucket, &d.Key, &d.URL,
		&d.Width, &d.Height, &d.Size, &d.Quality, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: duplicate entry (%s)", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: referenced asset: %w", operation, ErrNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("%s: required field %s is missing", operation, pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("%s: table does not exist - database migration required", operation)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}
