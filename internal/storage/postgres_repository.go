package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"driftstream/internal/models"
)

const assetsSchema = `
CREATE TABLE IF NOT EXISTS assets (
    id            TEXT PRIMARY KEY,
    storage_path  TEXT NOT NULL,
    mime_type     TEXT NOT NULL DEFAULT '',
    size_bytes    BIGINT NOT NULL DEFAULT 0,
    kind          TEXT NOT NULL DEFAULT 'raw',
    checksum      TEXT NOT NULL DEFAULT '',
    original_name TEXT NOT NULL DEFAULT '',
    source_url    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS assets_stem_idx
    ON assets ((regexp_replace(id, '\.[^.]*$', '')));
`

// postgresRepository indexes asset metadata in Postgres while the file
// bytes stay on the local filesystem under root. Selected with
// -storage-driver postgres for deployments that want the index queryable
// outside the process.
type postgresRepository struct {
	pool *pgxpool.Pool
	root string
	now  func() time.Time
}

// NewPostgresRepository opens the Postgres-backed asset index and applies
// its schema migration.
func NewPostgresRepository(root string, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve asset root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{
		pool: pool,
		root: absRoot,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, assetsSchema); err != nil {
		return fmt.Errorf("apply assets schema: %w", err)
	}
	return nil
}

func (r *postgresRepository) Root() string {
	return r.root
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateAsset(params CreateAssetParams) (models.Asset, error) {
	ctx := context.Background()
	kind := params.Kind
	if kind == "" {
		kind = models.KindRaw
	}
	sanitized := SanitizeFilename(params.RequestedName)
	if sanitized == "" {
		sanitized = uniqueToken() + extensionForType(params.MimeType)
	}

	candidate := sanitized
	for attempts := 0; attempts < 6; attempts++ {
		asset := models.Asset{
			ID:           candidate,
			StoragePath:  filepath.Join(r.root, candidate),
			MimeType:     params.MimeType,
			SizeBytes:    params.SizeBytes,
			Kind:         kind,
			Checksum:     params.Checksum,
			OriginalName: strings.TrimSpace(params.RequestedName),
			SourceURL:    strings.TrimSpace(params.SourceURL),
			CreatedAt:    r.now(),
		}
		_, err := r.pool.Exec(ctx,
			`INSERT INTO assets (id, storage_path, mime_type, size_bytes, kind, checksum, original_name, source_url, created_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			asset.ID, asset.StoragePath, asset.MimeType, asset.SizeBytes,
			string(asset.Kind), asset.Checksum, asset.OriginalName, asset.SourceURL, asset.CreatedAt)
		if err == nil {
			return asset, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Unique violation: the sanitized name (or its stem) is taken.
			candidate = withToken(sanitized, uniqueToken())
			continue
		}
		return models.Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	return models.Asset{}, fmt.Errorf("reserve asset id for %q: exhausted attempts", params.RequestedName)
}

func (r *postgresRepository) GetAsset(id string) (models.Asset, bool) {
	ctx := context.Background()
	row := r.pool.QueryRow(ctx,
		`SELECT id, storage_path, mime_type, size_bytes, kind, checksum, original_name, source_url, created_at
         FROM assets WHERE id = $1`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return models.Asset{}, false
	}
	return asset, true
}

func (r *postgresRepository) ListAssets() []models.Asset {
	ctx := context.Background()
	rows, err := r.pool.Query(ctx,
		`SELECT id, storage_path, mime_type, size_bytes, kind, checksum, original_name, source_url, created_at
         FROM assets ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil
		}
		assets = append(assets, asset)
	}
	return assets
}

func (r *postgresRepository) DeleteAsset(id string) error {
	ctx := context.Background()
	tag, err := r.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var asset models.Asset
	var kind string
	if err := row.Scan(&asset.ID, &asset.StoragePath, &asset.MimeType, &asset.SizeBytes,
		&kind, &asset.Checksum, &asset.OriginalName, &asset.SourceURL, &asset.CreatedAt); err != nil {
		return models.Asset{}, err
	}
	asset.Kind = models.AssetKind(kind)
	return asset, nil
}
