// Package recording downloads call recordings from tenant PBXs.
package recording

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"cdr-pipeline/internal/models"
)

// Recording is a downloaded audio file.
type Recording struct {
	Body        []byte
	ContentType string
}

// Downloader fetches one named recording from one PBX.
type Downloader interface {
	Download(ctx context.Context, conn models.PbxConnection, filename string) (Recording, error)
}

// Options configures the fetcher.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	// RatePerSecond and Burst pace requests to any single PBX.
	RatePerSecond float64
	Burst         int
}

// Fetcher picks the download strategy for a connection's vendor and paces
// requests per connection.
type Fetcher struct {
	strategies map[models.Vendor]Downloader
	opts       Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher builds a fetcher with the built-in vendor strategies.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 200 * 1024 * 1024
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}
	client := &http.Client{Timeout: opts.Timeout}
	basic := &BasicAuthDownloader{client: client, maxBytes: opts.MaxBytes}
	return &Fetcher{
		strategies: map[models.Vendor]Downloader{
			models.VendorGrandstream: &UCMDownloader{client: client, maxBytes: opts.MaxBytes},
			models.VendorFreePBX:     basic,
			models.VendorGeneric:     basic,
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiterFor(connID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[connID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.opts.RatePerSecond), f.opts.Burst)
		f.limiters[connID] = lim
	}
	return lim
}

// Fetch downloads filename from the connection's PBX.
func (f *Fetcher) Fetch(ctx context.Context, conn models.PbxConnection, filename string) (Recording, error) {
	if filename == "" {
		return Recording{}, eris.New("recording: no filename on call record")
	}
	d, ok := f.strategies[conn.Vendor]
	if !ok {
		return Recording{}, eris.Errorf("recording: no download strategy for vendor %q", conn.Vendor)
	}
	if err := f.limiterFor(conn.ID).Wait(ctx); err != nil {
		return Recording{}, eris.Wrap(err, "recording: rate limiter wait")
	}
	return d.Download(ctx, conn, filename)
}

// readLimited reads at most limit bytes and fails if the body is larger.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, eris.Wrap(err, "recording: read body")
	}
	if int64(len(body)) > limit {
		return nil, eris.Errorf("recording: file too large (>%d bytes)", limit)
	}
	return body, nil
}
