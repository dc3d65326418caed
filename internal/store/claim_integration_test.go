//go:build integration_pg

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"

	"cdr-pipeline/internal/models"
)

func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "cdr",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://postgres:postgres@%s:%s/cdr?sslmode=disable", host, mapped.Port())
}

func openStore(t *testing.T, ctx context.Context, dsn string) *Store {
	t.Helper()
	s, err := New(ctx, dsn, PoolOptions{MaxConns: 8, MaxConnLifetime: time.Minute})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestClaimNext_ConcurrentClaimersNeverShareAJob_Integration(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// api and worker both migrate on boot.
	stores := []*Store{openStore(t, ctx, dsn), openStore(t, ctx, dsn)}
	var g errgroup.Group
	for _, s := range stores {
		g.Go(func() error { return s.RunMigrations(ctx) })
	}
	require.NoError(t, g.Wait())

	s := stores[0]
	var tenantID, connID string
	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO tenants (name) VALUES ('Acme') RETURNING id`).Scan(&tenantID))
	require.NoError(t, s.db.QueryRow(ctx,
		`INSERT INTO pbx_connections (tenant_id, vendor, webhook_secret) VALUES ($1, 'grandstream', 's3cret') RETURNING id`,
		tenantID).Scan(&connID))

	const jobCount = 60
	queued := make(map[string]bool, jobCount)
	for i := range jobCount {
		call := answeredCall()
		call.VendorCallID = fmt.Sprintf("1700000000.%d", i)
		res, err := s.IngestCall(ctx, IngestParams{TenantID: tenantID, ConnectionID: connID, Call: call, MaxAttempts: 3})
		require.NoError(t, err)
		require.True(t, res.Queued)
		queued[res.JobID] = true
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int, jobCount)
	)
	var workers errgroup.Group
	for i := range 8 {
		claimer := stores[i%len(stores)]
		workers.Go(func() error {
			for {
				job, err := claimer.ClaimNext(ctx)
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, workers.Wait())

	require.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.True(t, queued[id], "claimed unknown job %s", id)
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(jobCount), counts[models.JobProcessing])
	assert.Zero(t, counts[models.JobPending])
}
