package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr-pipeline/internal/apperr"
	"cdr-pipeline/internal/models"
	"cdr-pipeline/internal/normalize"
	"cdr-pipeline/internal/ratelimit"
	"cdr-pipeline/internal/store"
)

const (
	connID = "conn-1"
	secret = "s3cret"
)

// fakeStore keeps call records keyed the same way the database does.
type fakeStore struct {
	mu       sync.Mutex
	conn     models.ConnectionWithTenant
	lookups  int
	records  map[string]string // connection/vendor call id -> cdr id
	jobs     map[string]string // cdr id -> job id
	lastCall models.CanonicalCall
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conn: models.ConnectionWithTenant{
			Connection: models.PbxConnection{ID: connID, TenantID: "t-1", Vendor: models.VendorGrandstream, WebhookSecret: secret, IsActive: true},
			Tenant:     models.Tenant{ID: "t-1", Name: "Acme", Status: models.TenantActive},
		},
		records: map[string]string{},
		jobs:    map[string]string{},
	}
}

func (f *fakeStore) GetConnection(_ context.Context, id string) (models.ConnectionWithTenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if id != f.conn.Connection.ID {
		return models.ConnectionWithTenant{}, apperr.NotFound("connection not found")
	}
	return f.conn, nil
}

func (f *fakeStore) IngestCall(_ context.Context, p store.IngestParams) (store.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return store.IngestResult{}, f.err
	}
	f.lastCall = p.Call
	key := p.ConnectionID + "/" + p.Call.VendorCallID
	if id, ok := f.records[key]; ok {
		job, queued := f.jobs[id]
		return store.IngestResult{CallRecordID: id, JobID: job, Queued: queued, Duplicate: true}, nil
	}
	id := "cdr-" + p.Call.VendorCallID
	f.records[key] = id
	res := store.IngestResult{CallRecordID: id}
	if p.Call.ShouldProcess() {
		f.jobs[id] = "job-" + id
		res.JobID, res.Queued = f.jobs[id], true
	}
	return res, nil
}

type denyLimiter struct{ err error }

func (d denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{RetryAfter: 2500 * time.Millisecond}, d.err
}

const answered = `{"uniqueid":"1700000000.1","src":"2125551212","dst":"1005","start":"2023-11-14 22:13:20",
	"billsec":"30","disposition":"ANSWERED","recordfiles":"auto-1700000000-2125551212-1005.wav"}`

const noAnswer = `{"uniqueid":"1700000000.2","src":"2125551212","dst":"1005","start":"2023-11-14 22:13:20",
	"disposition":"NO ANSWER","recordfiles":""}`

func newGateway(fs *fakeStore, opts Options) *Gateway {
	return New(fs, normalize.New(nil), opts)
}

func TestHandle_AnsweredWithRecordingIsQueued(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{})

	res, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, "cdr-1700000000.1", res.CDRID)
	assert.Len(t, fs.jobs, 1)
}

func TestHandle_NoAnswerIsStoredNotQueued(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{})

	res, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(noAnswer))
	require.NoError(t, err)
	assert.False(t, res.Queued)
	assert.Contains(t, res.Message, "not queued")
	assert.Equal(t, models.DispositionNoAnswer, fs.lastCall.Disposition)
	assert.Empty(t, fs.jobs)
}

func TestHandle_DuplicateDeliveryIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{})

	first, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	require.NoError(t, err)
	second, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	require.NoError(t, err)

	assert.Equal(t, first.CDRID, second.CDRID)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Queued)
	assert.Len(t, fs.records, 1)
	assert.Len(t, fs.jobs, 1)
}

func TestHandle_MissingSecretSkipsLookup(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{})

	_, err := g.Handle(context.Background(), models.VendorGrandstream, connID, "", []byte(answered))
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.Zero(t, fs.lookups)
}

func TestHandle_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fakeStore)
		vendor models.Vendor
		conn   string
		secret string
		body   string
		kind   apperr.Kind
		reason string
	}{
		{name: "unknown connection", conn: "other", kind: apperr.KindNotFound},
		{name: "wrong secret", secret: "nope", kind: apperr.KindUnauthorized},
		{name: "connection disabled", mutate: func(f *fakeStore) { f.conn.Connection.IsActive = false },
			kind: apperr.KindForbidden, reason: ReasonConnectionDisabled},
		{name: "tenant suspended", mutate: func(f *fakeStore) { f.conn.Tenant.Status = models.TenantSuspended },
			kind: apperr.KindForbidden, reason: ReasonTenantSuspended},
		{name: "tenant cancelled", mutate: func(f *fakeStore) { f.conn.Tenant.Status = models.TenantCancelled },
			kind: apperr.KindForbidden, reason: ReasonTenantCancelled},
		{name: "vendor mismatch", vendor: models.VendorFreePBX, kind: apperr.KindValidation},
		{name: "missing start", body: `{"uniqueid":"x","disposition":"ANSWERED"}`, kind: apperr.KindValidation},
		{name: "not an object", body: `"hello"`, kind: apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			if tc.mutate != nil {
				tc.mutate(fs)
			}
			vendor, conn, sec, body := models.VendorGrandstream, connID, secret, answered
			if tc.vendor != "" {
				vendor = tc.vendor
			}
			if tc.conn != "" {
				conn = tc.conn
			}
			if tc.secret != "" {
				sec = tc.secret
			}
			if tc.body != "" {
				body = tc.body
			}

			_, err := newGateway(fs, Options{}).Handle(context.Background(), vendor, conn, sec, []byte(body))
			require.Error(t, err)
			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, tc.kind, e.Kind)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, e.Reason)
			}
			assert.Empty(t, fs.jobs, "failed deliveries never create jobs")
		})
	}
}

func TestHandle_RateLimited(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{Limiter: denyLimiter{}})

	_, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))
	e, _ := apperr.As(err)
	assert.Equal(t, 2500*time.Millisecond, e.RetryAfter)
	assert.Equal(t, 1, fs.lookups)
	assert.Empty(t, fs.records)
}

func TestHandle_WrongSecretDoesNotDrainBucket(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fs := newFakeStore()
	bucket := ratelimit.NewTokenBucket(rdb, "webhook:", 5, 0.01, time.Hour)
	g := newGateway(fs, Options{Limiter: bucket})
	ctx := context.Background()

	for range 5 {
		_, err := g.Handle(ctx, models.VendorGrandstream, connID, "wrong-secret", []byte(answered))
		require.True(t, apperr.Is(err, apperr.KindUnauthorized))
	}
	_, err = g.Handle(ctx, models.VendorGrandstream, "unknown-conn", secret, []byte(answered))
	require.True(t, apperr.Is(err, apperr.KindNotFound))

	res, err := g.Handle(ctx, models.VendorGrandstream, connID, secret, []byte(answered))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Len(t, fs.jobs, 1)
	assert.False(t, mr.Exists("webhook:unknown-conn"))
}

func TestHandle_LimiterErrorFailsOpen(t *testing.T) {
	fs := newFakeStore()
	g := newGateway(fs, Options{Limiter: denyLimiter{err: errors.New("redis down")}})

	res, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	require.NoError(t, err)
	assert.True(t, res.Queued)
}

func TestHandle_StoreErrorIsInternal(t *testing.T) {
	fs := newFakeStore()
	fs.err = errors.New("db gone")
	g := newGateway(fs, Options{})

	_, err := g.Handle(context.Background(), models.VendorGrandstream, connID, secret, []byte(answered))
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
}
