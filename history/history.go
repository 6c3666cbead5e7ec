// Package history walks a topic's message history through the mirror
// service's paginated REST API.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/shogotsuneto/go-simple-mirror"
)

// DefaultPageSize is used when a request does not set one.
const DefaultPageSize = 100

// Config holds the configuration for a Fetcher.
type Config struct {
	// BaseURL is the REST root, e.g. https://mirror.example.com/api/v1.
	BaseURL string
	// RequestsPerSecond paces page requests. Zero means unlimited.
	RequestsPerSecond float64
	// Timeout bounds a single page request. Zero means no timeout.
	Timeout time.Duration
	// MaxPages stops a walk after this many pages. Zero means unbounded.
	MaxPages int
}

// Request describes one history walk.
type Request struct {
	TopicID string
	// Since is an exclusive lower bound offset. Empty walks from the beginning.
	Since    string
	PageSize int
}

// Result summarizes a completed walk.
type Result struct {
	Count int
	// Last is the offset of the last message handed to the callback.
	Last  string
	Pages int
}

// MessageFunc receives each message in ascending order. Returning an error
// aborts the walk.
type MessageFunc func(msg mirror.RawMessage, offset string) error

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history request %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Fetcher is a paginated history client. It never retries; callers own the
// retry policy.
type Fetcher struct {
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	maxPages int
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher for the given config.
func New(cfg Config, opts ...Option) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("history: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("history: invalid base URL: %w", err)
	}

	f := &Fetcher{
		base:     base,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Inf, 1),
		maxPages: cfg.MaxPages,
		logger:   slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "history")
	return f, nil
}

type page struct {
	Messages []mirror.RawMessage `json:"messages"`
	Links    struct {
		Next *string `json:"next"`
	} `json:"links"`
}

// Fetch walks req.TopicID ascending from req.Since, following next links
// until a page is empty or has no next link. A 404 yields an empty result.
func (f *Fetcher) Fetch(ctx context.Context, req Request, fn MessageFunc) (Result, error) {
	var res Result
	if req.TopicID == "" {
		return res, mirror.ErrInvalidTopic
	}
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}

	next := f.firstPage(req)
	for next != "" {
		if f.maxPages > 0 && res.Pages >= f.maxPages {
			f.logger.Warn("page limit reached", "topic", req.TopicID, "pages", res.Pages, "offset", res.Last)
			break
		}

		p, found, err := f.getPage(ctx, next)
		if err != nil {
			return res, err
		}
		if !found {
			f.logger.Debug("topic has no history", "topic", req.TopicID)
			return res, nil
		}
		res.Pages++
		if len(p.Messages) == 0 {
			break
		}

		for _, msg := range p.Messages {
			if msg.TopicID == "" {
				msg.TopicID = req.TopicID
			}
			if err := fn(msg, msg.ConsensusTimestamp); err != nil {
				return res, err
			}
			res.Count++
			res.Last = msg.ConsensusTimestamp
		}

		next = ""
		if p.Links.Next != nil && *p.Links.Next != "" {
			if next, err = f.resolve(*p.Links.Next); err != nil {
				return res, err
			}
		}
	}

	f.logger.Debug("history walk complete", "topic", req.TopicID, "count", res.Count, "pages", res.Pages, "offset", res.Last)
	return res, nil
}

func (f *Fetcher) firstPage(req Request) string {
	u := *f.base
	u.Path = u.Path + "/topics/" + url.PathEscape(req.TopicID) + "/messages"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(req.PageSize))
	q.Set("order", "asc")
	if req.Since != "" {
		q.Set("timestamp", "gt:"+req.Since)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// resolve turns a next link, usually a path with query, into an absolute URL.
func (f *Fetcher) resolve(link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("history: invalid next link %q: %w", link, err)
	}
	return f.base.ResolveReference(ref).String(), nil
}

func (f *Fetcher) getPage(ctx context.Context, pageURL string) (*page, bool, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("history: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("history: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, &StatusError{StatusCode: resp.StatusCode, URL: pageURL, Body: strings.TrimSpace(string(body))}
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, false, fmt.Errorf("history: failed to decode page: %w", err)
	}
	return &p, true, nil
}
