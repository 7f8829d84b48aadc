package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Retries   int     // transport-level retries for idempotent reads
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
}

// Client talks to the agent backend's HTTP surface. It is safe for
// concurrent use.
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	baseURL string
	log     *zap.Logger
	metrics *monitoring.Metrics
	mu      sync.RWMutex
}

// New creates a backend client. Reads are retried at the transport layer;
// writes are never retried here because the session machine owns that budget.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.Retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = readOnlyRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	restyClient := resty.NewWithClient(retryClient.StandardClient())
	restyClient.
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "AgentOS-Desktop/1.0").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}

	return &Client{
		resty:   restyClient,
		limiter: limiter,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		log:     log.Named("backend"),
		metrics: opts.Metrics,
	}
}

// readOnlyRetryPolicy retries failed GETs and connection failures. A response
// to a write means the backend saw it, so replaying could double-apply.
func readOnlyRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.Request != nil && resp.Request.Method != http.MethodGet {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// BaseURL returns the backend's root URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetRateLimit configures rate limiting (requests per second)
func (c *Client) SetRateLimit(rps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

func sessionPath(name string, suffix ...string) string {
	p := "/sessions/" + url.PathEscape(name)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}

// indexPath escapes slashes before path escaping so the whole directory path
// travels as one segment, matching what the backend decodes.
func indexPath(dir string) string {
	return "/indexes/" + url.PathEscape(strings.ReplaceAll(dir, "/", "%2F"))
}

// do runs one request and decodes a JSON body into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, configure func(*resty.Request), out interface{}) error {
	_, err := c.doRaw(ctx, op, method, path, configure, out)
	return err
}

// doRaw is do, also returning the undecoded body.
func (c *Client) doRaw(ctx context.Context, op, method, path string, configure func(*resty.Request), out interface{}) ([]byte, error) {
	timer := monitoring.NewTimer(c.metrics, op)

	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	if err := limiter.Wait(ctx); err != nil {
		timer.Stop("error")
		return nil, &TransportError{Op: op, Err: fmt.Errorf("rate limit: %w", err)}
	}

	req := c.resty.R().SetContext(ctx)
	if configure != nil {
		configure(req)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		timer.Stop("error")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &TransportError{Op: op, Err: ctx.Err()}
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	if resp.IsError() {
		timer.Stop(strconv.Itoa(resp.StatusCode()))
		msg := strings.TrimSpace(resp.String())
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return nil, &TransportError{Op: op, Status: resp.StatusCode(), Err: errors.New(msg)}
	}

	if out != nil && len(resp.Body()) > 0 {
		if err := sonic.Unmarshal(resp.Body(), out); err != nil {
			timer.Stop("decode_error")
			return nil, &TransportError{Op: op, Status: resp.StatusCode(), Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	timer.Stop("ok")

	c.log.Debug("Backend call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", resp.Time()))
	return resp.Body(), nil
}

// CreateSession registers a session rooted at path.
func (c *Client) CreateSession(ctx context.Context, name, path string, cfg types.AgentConfig) error {
	return c.do(ctx, "create", http.MethodPost, sessionPath(name), func(r *resty.Request) {
		r.SetQueryParam("path", path).SetBody(cfg)
	}, nil)
}

// StartSession initializes a created session so it begins running.
func (c *Client) StartSession(ctx context.Context, name string) error {
	return c.do(ctx, "start", http.MethodPatch, sessionPath(name, "start"), nil, nil)
}

// PauseSession pauses the agent loop.
func (c *Client) PauseSession(ctx context.Context, name string) error {
	return c.do(ctx, "pause", http.MethodPatch, sessionPath(name, "pause"), nil, nil)
}

// ResumeSession resumes a paused agent loop.
func (c *Client) ResumeSession(ctx context.Context, name string) error {
	return c.do(ctx, "resume", http.MethodPatch, sessionPath(name, "resume"), nil, nil)
}

// RevertSession rolls the session back to checkpointID.
func (c *Client) RevertSession(ctx context.Context, name string, checkpointID int) error {
	return c.do(ctx, "revert", http.MethodPatch, sessionPath(name, "revert"), func(r *resty.Request) {
		r.SetQueryParam("checkpoint_id", strconv.Itoa(checkpointID))
	}, nil)
}

// Config fetches the session's authoritative config. The raw body is
// returned too so callers can digest it without re-encoding.
func (c *Client) Config(ctx context.Context, name string) (types.SessionConfig, []byte, error) {
	var cfg types.SessionConfig
	raw, err := c.doRaw(ctx, "config", http.MethodGet, sessionPath(name, "config"), nil, &cfg)
	if err != nil {
		return types.SessionConfig{}, nil, err
	}
	return cfg, raw, nil
}

// UpdateConfig patches the session's model and secret.
func (c *Client) UpdateConfig(ctx context.Context, name string, update types.UpdateConfig) error {
	return c.do(ctx, "update", http.MethodPatch, sessionPath(name, "update"), func(r *resty.Request) {
		r.SetBody(update)
	}, nil)
}

// Diff returns the whole-file diff between two checkpoints.
func (c *Client) Diff(ctx context.Context, name string, src, dest int) (types.DiffResult, error) {
	var out types.DiffResult
	err := c.do(ctx, "diff", http.MethodGet, sessionPath(name, "diff"), func(r *resty.Request) {
		r.SetQueryParams(map[string]string{
			"src_checkpoint_id":  strconv.Itoa(src),
			"dest_checkpoint_id": strconv.Itoa(dest),
		})
	}, &out)
	return out, err
}

// Events fetches the full event log, used to catch up after a reconnect.
func (c *Client) Events(ctx context.Context, name string) ([]types.ServerEvent, error) {
	var out []types.ServerEvent
	err := c.do(ctx, "events", http.MethodGet, sessionPath(name, "events"), nil, &out)
	return out, err
}

// SendEvent submits an event to the session.
func (c *Client) SendEvent(ctx context.Context, name string, ev types.EventRequest) error {
	return c.do(ctx, "event", http.MethodPost, sessionPath(name, "event"), func(r *resty.Request) {
		r.SetBody(ev)
	}, nil)
}

// Sessions lists sessions known to the backend.
func (c *Client) Sessions(ctx context.Context) ([]types.SessionSummary, error) {
	var out []types.SessionSummary
	err := c.do(ctx, "sessions", http.MethodGet, "/sessions", nil, &out)
	return out, err
}

// Indexes lists the backend's directory indexes.
func (c *Client) Indexes(ctx context.Context) ([]types.IndexEntry, error) {
	var out []types.IndexEntry
	err := c.do(ctx, "indexes", http.MethodGet, "/indexes", nil, &out)
	return out, err
}

// CreateIndex starts indexing dir.
func (c *Client) CreateIndex(ctx context.Context, dir string) error {
	return c.do(ctx, "index_create", http.MethodPost, indexPath(dir), nil, nil)
}

// DeleteIndex removes the index for dir.
func (c *Client) DeleteIndex(ctx context.Context, dir string) error {
	return c.do(ctx, "index_delete", http.MethodDelete, indexPath(dir), nil, nil)
}
