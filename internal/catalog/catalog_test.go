package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/errs"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testDim = 4

func unit(axis int) types.Embedding {
	v := make(types.Embedding, testDim)
	v[axis] = 1.0
	return v
}

// TestCatalogIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestCatalogIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}

	// We use the official pgvector image to ensure the extension is available.
	pgContainer, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("veil_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Skipf("Failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Initialize Catalog (runs migrations)
	c, err := New(ctx, connStr, testDim)
	require.NoError(t, err)
	defer c.Close(ctx)

	alice := types.Identity{Name: "alice", Files: []types.EncodingEntry{
		{FileName: "a.jpg", Encoding: unit(0)},
		{FileName: "b.jpg", Encoding: unit(1)},
	}}

	aliceID, added, err := c.SyncIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Positive(t, aliceID)
	assert.Equal(t, 2, added)

	// Re-syncing adds nothing and keeps the id
	again, added, err := c.SyncIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, aliceID, again)
	assert.Zero(t, added)

	alice.Files = append(alice.Files, types.EncodingEntry{FileName: "c.jpg", Encoding: unit(2)})
	_, added, err = c.SyncIdentity(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	_, _, err = c.SyncIdentity(ctx, types.Identity{Name: "bob", Files: []types.EncodingEntry{{FileName: "x.jpg", Encoding: unit(3)}}})
	require.NoError(t, err)

	// Exact match
	m, err := c.FindClosestIdentity(ctx, unit(1), 0.4)
	require.NoError(t, err)
	assert.Equal(t, aliceID, m.ID)
	assert.Equal(t, "alice", m.Name)
	assert.Equal(t, "b.jpg", m.File)
	assert.InDelta(t, 0, m.Distance, 1e-6)

	// No match: the closest axis is sqrt(2) away
	far := types.Embedding{-1, 0, 0, 0}
	m, err = c.FindClosestIdentity(ctx, far, 0.4)
	require.NoError(t, err)
	assert.Equal(t, -1, m.ID)

	_, err = c.FindClosestIdentity(ctx, types.Embedding{1}, 0.4)
	assert.True(t, errs.HasCode(err, errs.CodeDimensionMismatch))

	list, err := c.ListIdentities(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice", list[0].Name)
	assert.Equal(t, 3, list[0].Encodings)
	assert.Equal(t, "bob", list[1].Name)

	require.NoError(t, c.Reset(ctx))
	_, err = c.ListIdentities(ctx)
	assert.True(t, errs.HasCode(err, errs.CodeCatalogFailure), "tables are gone after reset")
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
