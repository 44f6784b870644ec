package composition

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ksi-project/ksi/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Meta is one composition index row: discovery metadata without the
// parsed definition.
type Meta struct {
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	FilePath        string         `json:"file_path"`
	FileHash        string         `json:"file_hash"`
	Version         string         `json:"version,omitempty"`
	Description     string         `json:"description,omitempty"`
	Author          string         `json:"author,omitempty"`
	Extends         string         `json:"extends,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	LoadingStrategy string         `json:"loading_strategy,omitempty"`
	Mutable         bool           `json:"mutable,omitempty"`
	Ephemeral       bool           `json:"ephemeral,omitempty"`
	FullMetadata    map[string]any `json:"metadata,omitempty"`
	IndexedAt       float64        `json:"indexed_at"`
	LastModified    float64        `json:"last_modified"`
}

// Index is the SQLite catalog over the compositions tree. It answers
// name→file and discovery queries; definitions are always re-read from
// disk so edits take effect without re-resolving caches.
type Index struct {
	db     *sql.DB
	loader *Loader
}

// OpenIndex opens the composition index at dbPath and applies
// migrations.
func OpenIndex(ctx context.Context, dbPath string, loader *Loader) (*Index, error) {
	db, err := database.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate composition index: %w", err)
	}
	return &Index{db: db, loader: loader}, nil
}

// DB exposes the underlying handle for health checks.
func (ix *Index) DB() *sql.DB { return ix.db }

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Rebuild walks the compositions tree, parses every candidate file in
// parallel, and replaces the index contents in one transaction.
// Unparseable files are logged and skipped.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	var paths []string
	err := filepath.WalkDir(ix.loader.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == ix.loader.Root() {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && indexableFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk compositions tree: %w", err)
	}

	var mu sync.Mutex
	var metas []*Meta
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			meta, err := ix.buildMeta(path)
			if err != nil {
				slog.Warn("skipping unparseable composition", "path", path, "error", err)
				return nil
			}
			mu.Lock()
			metas = append(metas, meta)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rebuild composition index: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM compositions`); err != nil {
		return 0, fmt.Errorf("rebuild composition index: %w", err)
	}
	for _, meta := range metas {
		if err := upsertMeta(ctx, tx, meta); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rebuild composition index: %w", err)
	}
	return len(metas), nil
}

// IndexFile indexes or re-indexes one file.
func (ix *Index) IndexFile(ctx context.Context, path string) (*Meta, error) {
	meta, err := ix.buildMeta(path)
	if err != nil {
		return nil, err
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertMeta(ctx, tx, meta); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}
	return meta, nil
}

// Deindex removes the rows pointing at file path (for deleted or
// renamed files).
func (ix *Index) Deindex(ctx context.Context, path string) error {
	if _, err := ix.db.ExecContext(ctx,
		`DELETE FROM compositions WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("deindex %s: %w", path, err)
	}
	return nil
}

const selectMetaSQL = `
SELECT name, type, file_path, file_hash, version, description, author,
	extends, tags, capabilities, dependencies, loading_strategy,
	mutable, ephemeral, full_metadata, indexed_at, last_modified
FROM compositions`

// Get returns the index row for name, or ErrNotFound.
func (ix *Index) Get(ctx context.Context, name string) (*Meta, error) {
	row := ix.db.QueryRowContext(ctx, selectMetaSQL+` WHERE name = ?`, name)
	meta, err := scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("composition %q: %w", name, ErrNotFound)
	}
	return meta, err
}

// List returns index rows, optionally filtered by type, sorted by name.
func (ix *Index) List(ctx context.Context, typ string) ([]*Meta, error) {
	query := selectMetaSQL
	var args []any
	if typ != "" {
		query += ` WHERE type = ?`
		args = append(args, typ)
	}
	query += ` ORDER BY name`

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compositions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Meta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Count returns the number of indexed compositions.
func (ix *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM compositions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count compositions: %w", err)
	}
	return n, nil
}

func indexableFile(path string) bool {
	switch filepath.Ext(path) {
	case ".yaml", ".yml", ".md", ".json":
		return true
	}
	return false
}

// buildMeta parses one file into its index row.
func (ix *Index) buildMeta(path string) (*Meta, error) {
	comp, err := ix.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)

	meta := &Meta{
		Name:         comp.Name,
		Type:         comp.Type,
		FilePath:     path,
		FileHash:     hex.EncodeToString(sum[:]),
		Version:      comp.Version,
		Description:  comp.Description,
		Author:       comp.Author,
		Extends:      comp.Extends,
		Dependencies: dependenciesOf(comp),
		FullMetadata: comp.Metadata,
		IndexedAt:    float64(time.Now().UnixNano()) / float64(time.Second),
		LastModified: float64(info.ModTime().UnixNano()) / float64(time.Second),
	}
	meta.Tags = metadataStrings(comp.Metadata, "tags")
	meta.Capabilities = metadataStrings(comp.Metadata, "capabilities")
	if s, ok := comp.Metadata["loading_strategy"].(string); ok {
		meta.LoadingStrategy = s
	}
	if b, ok := comp.Metadata["mutable"].(bool); ok {
		meta.Mutable = b
	}
	if b, ok := comp.Metadata["ephemeral"].(bool); ok {
		meta.Ephemeral = b
	}
	return meta, nil
}

// dependenciesOf collects every composition this one references.
func dependenciesOf(c *Composition) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(c.Extends)
	for _, m := range c.Mixins {
		add(m)
	}
	for _, comp := range c.Components {
		add(comp.Composition)
	}
	return out
}

func metadataStrings(m map[string]any, key string) []string {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

const upsertMetaSQL = `
INSERT INTO compositions (
	name, type, file_path, file_hash, version, description, author,
	extends, tags, capabilities, dependencies, loading_strategy,
	mutable, ephemeral, full_metadata, indexed_at, last_modified
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	type = excluded.type,
	file_path = excluded.file_path,
	file_hash = excluded.file_hash,
	version = excluded.version,
	description = excluded.description,
	author = excluded.author,
	extends = excluded.extends,
	tags = excluded.tags,
	capabilities = excluded.capabilities,
	dependencies = excluded.dependencies,
	loading_strategy = excluded.loading_strategy,
	mutable = excluded.mutable,
	ephemeral = excluded.ephemeral,
	full_metadata = excluded.full_metadata,
	indexed_at = excluded.indexed_at,
	last_modified = excluded.last_modified`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMeta(ctx context.Context, tx execer, m *Meta) error {
	_, err := tx.ExecContext(ctx, upsertMetaSQL,
		m.Name, m.Type, m.FilePath, m.FileHash, m.Version, m.Description,
		m.Author, m.Extends, encodeJSONList(m.Tags), encodeJSONList(m.Capabilities),
		encodeJSONList(m.Dependencies), m.LoadingStrategy,
		boolInt(m.Mutable), boolInt(m.Ephemeral), encodeJSONMap(m.FullMetadata),
		m.IndexedAt, m.LastModified)
	if err != nil {
		return fmt.Errorf("upsert composition %s: %w", m.Name, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (*Meta, error) {
	var m Meta
	var tags, capabilities, dependencies, fullMetadata string
	var mutable, ephemeral int
	err := row.Scan(&m.Name, &m.Type, &m.FilePath, &m.FileHash, &m.Version,
		&m.Description, &m.Author, &m.Extends, &tags, &capabilities,
		&dependencies, &m.LoadingStrategy, &mutable, &ephemeral,
		&fullMetadata, &m.IndexedAt, &m.LastModified)
	if err != nil {
		return nil, err
	}
	m.Tags = decodeJSONList(tags)
	m.Capabilities = decodeJSONList(capabilities)
	m.Dependencies = decodeJSONList(dependencies)
	m.FullMetadata = decodeJSONMap(fullMetadata)
	m.Mutable = mutable != 0
	m.Ephemeral = ephemeral != 0
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSONList(list []string) string {
	if len(list) == 0 {
		return ""
	}
	b, err := json.Marshal(list)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSONList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeJSONMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSONMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}
