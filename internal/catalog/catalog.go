// Package catalog mirrors the on-disk identity encodings into PostgreSQL so
// they can be searched with pgvector.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// DefaultDimension is the embedding size of the recognition model.
const DefaultDimension = 128

// Catalog manages the PostgreSQL connection and pgvector operations.
type Catalog struct {
	conn *pgx.Conn
	dim  int
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string, dim int) (*Catalog, error) {
	if dim <= 0 {
		dim = DefaultDimension
	}
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCatalogFailure, "failed to connect to database")
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn, dim); err != nil {
		conn.Close(ctx)
		return nil, errs.Wrap(err, errs.CodeCatalogFailure, "failed to initialize database schema")
	}

	return &Catalog{conn: conn, dim: dim}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS identity_encodings (
			id BIGSERIAL PRIMARY KEY,
			identity_id INT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			file_name TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			UNIQUE (identity_id, file_name)
		);
		CREATE INDEX IF NOT EXISTS identity_encodings_identity_id_idx ON identity_encodings (identity_id);
	`, dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (c *Catalog) Close(ctx context.Context) {
	c.conn.Close(ctx)
}

func toVector(e types.Embedding) pgvector.Vector {
	f := make([]float32, len(e))
	for i, v := range e {
		f[i] = float32(v)
	}
	return pgvector.NewVector(f)
}

func (c *Catalog) checkDim(e types.Embedding) error {
	if len(e) != c.dim {
		return errs.New(errs.CodeDimensionMismatch, "embedding does not fit the catalog",
			errs.Field("catalog", c.dim), errs.Field("embedding", len(e)))
	}
	return nil
}

// SyncIdentity upserts an identity and inserts the encodings the catalog does not
// have yet. Re-syncing the same identity is a no-op. It returns the identity id
// and the number of encodings added.
func (c *Catalog) SyncIdentity(ctx context.Context, id types.Identity) (int, int, error) {
	for _, f := range id.Files {
		if err := c.checkDim(f.Encoding); err != nil {
			return 0, 0, errs.With(err, errs.FieldIdentity(id.Name), errs.Field("file", f.FileName))
		}
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return 0, 0, errs.Wrap(err, errs.CodeCatalogFailure, "begin transaction")
	}
	defer tx.Rollback(ctx)

	var identityID int
	err = tx.QueryRow(ctx, `
		INSERT INTO identities (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, id.Name).Scan(&identityID)
	if err != nil {
		return 0, 0, errs.Wrap(err, errs.CodeCatalogFailure, "upsert identity", errs.FieldIdentity(id.Name))
	}

	added := 0
	for _, f := range id.Files {
		tag, err := tx.Exec(ctx, `
			INSERT INTO identity_encodings (identity_id, file_name, embedding)
			VALUES ($1, $2, $3::vector)
			ON CONFLICT (identity_id, file_name) DO NOTHING
		`, identityID, f.FileName, toVector(f.Encoding).String())
		if err != nil {
			return 0, 0, errs.Wrap(err, errs.CodeCatalogFailure, "insert encoding", errs.FieldIdentity(id.Name), errs.Field("file", f.FileName))
		}
		added += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, errs.Wrap(err, errs.CodeCatalogFailure, "commit identity", errs.FieldIdentity(id.Name))
	}
	return identityID, added, nil
}

// IdentitySummary is one row of ListIdentities.
type IdentitySummary struct {
	ID        int
	Name      string
	Encodings int
	CreatedAt time.Time
}

// ListIdentities returns every catalogued identity with its encoding count, by name.
func (c *Catalog) ListIdentities(ctx context.Context) ([]IdentitySummary, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT i.id, i.name, COUNT(e.id), i.created_at
		FROM identities i
		LEFT JOIN identity_encodings e ON e.identity_id = i.id
		GROUP BY i.id, i.name, i.created_at
		ORDER BY i.name
	`)
	if err != nil {
		return nil, errs.Wrap(err, errs.CodeCatalogFailure, "list identities")
	}
	defer rows.Close()

	var out []IdentitySummary
	for rows.Next() {
		var s IdentitySummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Encodings, &s.CreatedAt); err != nil {
			return nil, errs.Wrap(err, errs.CodeCatalogFailure, "scan identity")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err, errs.CodeCatalogFailure, "list identities")
	}
	return out, nil
}

// Match is the nearest catalogued encoding.
type Match struct {
	ID       int // -1 when nothing is within the threshold
	Name     string
	File     string
	Distance float64
}

// FindClosestIdentity searches for the nearest neighbor using Euclidean (L2)
// distance, the same metric the matcher uses. ID is -1 if no encoding is
// strictly closer than threshold.
func (c *Catalog) FindClosestIdentity(ctx context.Context, vec types.Embedding, threshold float64) (Match, error) {
	if err := c.checkDim(vec); err != nil {
		return Match{ID: -1}, err
	}
	// <-> is the L2 distance operator in pgvector
	query := `
		SELECT i.id, i.name, e.file_name, e.embedding <-> $1::vector AS distance
		FROM identity_encodings e
		JOIN identities i ON i.id = e.identity_id
		WHERE e.embedding <-> $1::vector < $2
		ORDER BY e.embedding <-> $1::vector ASC
		LIMIT 1`

	var m Match
	err := c.conn.QueryRow(ctx, query, toVector(vec).String(), threshold).Scan(&m.ID, &m.Name, &m.File, &m.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{ID: -1}, nil // No match found
	}
	if err != nil {
		return Match{ID: -1}, errs.Wrap(err, errs.CodeCatalogFailure, "nearest identity lookup")
	}
	return m, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (c *Catalog) Reset(ctx context.Context) error {
	_, err := c.conn.Exec(ctx, `
		DROP TABLE IF EXISTS identity_encodings CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
	`)
	if err != nil {
		return errs.Wrap(err, errs.CodeCatalogFailure, "reset catalog")
	}
	return nil
}
