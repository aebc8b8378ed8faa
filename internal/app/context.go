// Package app opens a workspace: the SQLite database, the stored configuration,
// the attachment backend and the engine composed from them.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hypoline/internal/attachments"
	"hypoline/internal/config"
	"hypoline/internal/db"
	"hypoline/internal/engine"
	"hypoline/internal/migrate"
	"hypoline/internal/repo"
)

// ConfigKey is the kv entry holding the workspace configuration as YAML.
const ConfigKey = "config"

type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares the workspace at dir and loads all cases into the engine.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Workspace, error) {
	if err := config.LoadEnv(dir); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	ws, err := open(ctx, dir, conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}

func open(ctx context.Context, dir string, conn *sql.DB, logger *slog.Logger) (*Workspace, error) {
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	kv := repo.KV{Repo: repo.Repo{DB: conn}}
	cfg, err := ResolveConfig(ctx, dir, kv)
	if err != nil {
		return nil, err
	}
	blobs, err := OpenBlobStore(ctx, dir, cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(conn, cfg, blobs, logger)
	if err := eng.Load(ctx); err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// ResolveConfig returns the stored configuration. A workspace without one is
// seeded with the raw text of hypoline.yml when present, otherwise the defaults,
// so ${VAR} references stay unexpanded in the database.
func ResolveConfig(ctx context.Context, dir string, kv repo.KV) (*config.Config, error) {
	raw, err := kv.Get(ctx, ConfigKey)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		cfg, err := config.FromYAML([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("stored config: %w", err)
		}
		return cfg, nil
	}
	data, err := os.ReadFile(config.Path(dir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		data = []byte(config.GenerateDefault())
	case err != nil:
		return nil, err
	}
	cfg, err := config.FromYAML(data)
	if err != nil {
		return nil, err
	}
	if err := kv.Put(ctx, ConfigKey, string(data)); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return cfg, nil
}

// ImportConfig validates the YAML file at path and replaces the stored config with
// its raw text, so ${VAR} references are expanded again on every load.
func ImportConfig(ctx context.Context, kv repo.KV, path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML(data)
	if err != nil {
		return nil, err
	}
	if err := kv.Put(ctx, ConfigKey, string(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenBlobStore builds the attachment backend named by the config.
func OpenBlobStore(ctx context.Context, dir string, cfg *config.Config) (attachments.BlobStore, error) {
	switch cfg.Attachments.Backend {
	case config.BackendS3:
		s3 := cfg.Attachments.S3
		return attachments.NewS3Store(ctx, attachments.S3Config{
			Endpoint:        s3.Endpoint,
			Region:          s3.Region,
			Bucket:          s3.Bucket,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			PublicBaseURL:   s3.PublicBaseURL,
		})
	default:
		blobDir := cfg.Attachments.Dir
		if blobDir == "" {
			blobDir = "blobs"
		}
		if !filepath.IsAbs(blobDir) {
			blobDir = filepath.Join(db.StateDir(dir), blobDir)
		}
		return attachments.NewFSStore(blobDir)
	}
}
