package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"routined/internal/backoff"
	logx "routined/pkg/logx"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxBodyBytes       = 4 << 20
	maxErrorBody       = 512
)

// StatusError is a non-2xx catalog response. It implements
// backoff.StatusCoder so Classify can map it without string matching.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("catalog: http %s", e.Status)
	}
	return fmt.Sprintf("catalog: http %s: %s", e.Status, e.Body)
}

func (e *StatusError) StatusCode() int { return e.Code }

// HTTPCatalog talks to a JSON routine service:
//
//	GET  {base}/routines?active=true       -> {"routines": [...]} or [...]
//	POST {base}/routines/{id}/outcomes     <- Report
type HTTPCatalog struct {
	base    *url.URL
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

type HTTPOption func(*HTTPCatalog)

// WithHTTPClient overrides the HTTP client (its Timeout is left untouched).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPCatalog) {
		if c != nil {
			h.client = c
		}
	}
}

// WithToken sets a bearer token sent on every request.
func WithToken(token string) HTTPOption {
	return func(h *HTTPCatalog) { h.token = strings.TrimSpace(token) }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPCatalog) {
		if d > 0 {
			h.client.Timeout = d
		}
	}
}

// WithRateLimit paces outgoing requests. rps <= 0 disables pacing.
func WithRateLimit(rps int) HTTPOption {
	return func(h *HTTPCatalog) {
		if rps > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		} else {
			h.limiter = nil
		}
	}
}

func WithLogger(log logx.Logger) HTTPOption {
	return func(h *HTTPCatalog) {
		if !log.IsZero() {
			h.log = log
		}
	}
}

func NewHTTPCatalog(baseURL string, opts ...HTTPOption) (*HTTPCatalog, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("catalog: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("catalog: unsupported url scheme %q", u.Scheme)
	}
	h := &HTTPCatalog{
		base:   u,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		log:    logx.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

type routinesEnvelope struct {
	Routines []Routine `json:"routines"`
}

func (h *HTTPCatalog) FetchActive(ctx context.Context) ([]Routine, error) {
	u := h.endpoint("routines")
	q := u.Query()
	q.Set("active", "true")
	u.RawQuery = q.Encode()

	body, err := h.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	routines, err := decodeRoutines(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("catalog: decode routines: %w", err))
	}
	out := FilterActive(routines)
	if dropped := len(routines) - len(out); dropped > 0 {
		h.log.Debug("catalog entries skipped", logx.Int("dropped", dropped))
	}
	return out, nil
}

func decodeRoutines(body []byte) ([]Routine, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []Routine
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var env routinesEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return env.Routines, nil
}

func (h *HTTPCatalog) ReportOutcome(ctx context.Context, r Report) error {
	if r.RoutineID == "" {
		return backoff.Permanent(errors.Join(ErrInvalidRoutine, errors.New("report without routine id")))
	}
	b, err := json.Marshal(r)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("catalog: encode report: %w", err))
	}
	_, err = h.do(ctx, http.MethodPost, h.endpoint("routines", r.RoutineID, "outcomes"), b)
	return err
}

func (h *HTTPCatalog) endpoint(parts ...string) *url.URL {
	u := *h.base
	raw := strings.TrimRight(u.EscapedPath(), "/")
	p := strings.TrimRight(u.Path, "/")
	for _, s := range parts {
		raw += "/" + url.PathEscape(s)
		p += "/" + s
	}
	u.Path = p
	u.RawPath = raw
	return &u
}

func (h *HTTPCatalog) do(ctx context.Context, method string, u *url.URL, payload []byte) ([]byte, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("catalog: build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, backoff.Transient(fmt.Errorf("catalog: %s %s: %w", method, u.Path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, backoff.Transient(fmt.Errorf("catalog: read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	se := &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: snippet(data)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, backoff.RateLimited(se, parseRetryAfter(resp.Header.Get("Retry-After"), h.now()))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(errors.Join(ErrUnauthorized, se))
	default:
		return nil, se
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Unparseable or past
// values yield 0.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
