// Package source talks to the external collaborators: the batch transcript
// feed and the per-upload job status endpoint. It only fetches and shapes
// payloads; all reconciliation decisions live elsewhere.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dispatchd/internal/canonical"
)

const batchCacheKey = "batch"

// Client pulls records from the upstream transcript service. Batch responses
// are cached for a short TTL so overlapping refreshes from multiple views do
// not re-hit upstream, and all requests share a polite rate limit.
type Client struct {
	feedURL string
	jobURL  string
	http    *http.Client
	limiter *rate.Limiter
	cache   *gocache.Cache
	log     *zap.Logger
}

type Options struct {
	FeedURL  string
	JobURL   string // printf-style with one %s for the job id
	Timeout  time.Duration
	CacheTTL time.Duration
	RPS      float64
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 2 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 4
	}
	return &Client{
		feedURL: opts.FeedURL,
		jobURL:  opts.JobURL,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), 2),
		cache:   gocache.New(opts.CacheTTL, time.Minute),
		log:     log,
	}
}

// FetchBatch pulls the full transcript feed. The payload may be a bare array
// or an object wrapping one under a known key; empty or absent payloads are
// a no-op, not an error.
func (c *Client) FetchBatch(ctx context.Context) ([]canonical.Raw, error) {
	if cached, ok := c.cache.Get(batchCacheKey); ok {
		return cached.([]canonical.Raw), nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "source: rate limit")
	}

	body, status, err := c.get(ctx, c.feedURL)
	if err != nil {
		return nil, eris.Wrap(err, "source: fetch batch")
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("source: batch feed status %d", status)
	}

	records := decodeBatch(body)
	c.cache.Set(batchCacheKey, records, gocache.DefaultExpiration)
	c.log.Debug("batch fetched", zap.Int("records", len(records)))
	return records, nil
}

// JobStatus pulls the status payload for one upload job. A non-OK response
// means "not ready yet" and returns (nil, nil); only transport-level failures
// surface as errors.
func (c *Client) JobStatus(ctx context.Context, jobID string) (canonical.Raw, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "source: rate limit")
	}
	body, status, err := c.get(ctx, fmt.Sprintf(c.jobURL, jobID))
	if err != nil {
		return nil, eris.Wrapf(err, "source: job %s", jobID)
	}
	if status != http.StatusOK {
		return nil, nil
	}
	var raw canonical.Raw
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil
	}
	return raw, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

var wrapperKeys = []string{"transcripts", "items", "calls", "records", "incidents", "data"}

func decodeBatch(body []byte) []canonical.Raw {
	if len(body) == 0 {
		return nil
	}
	var list []canonical.Raw
	if err := json.Unmarshal(body, &list); err == nil {
		return list
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil
	}
	for _, key := range wrapperKeys {
		inner, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(inner, &list); err == nil {
			return list
		}
	}
	return nil
}
