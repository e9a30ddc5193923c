// Package wayback fetches archived capture bytes from a Wayback-compatible
// playback service using gocolly.
package wayback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-harvester/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Waiter is a per-origin politeness gate.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements harvest.Fetcher and harvest.RedirectFetcher using the
// Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
	unfollowed    *colly.Collector
	logger        *zap.Logger
}

var (
	_ harvest.Fetcher         = (*Fetcher)(nil)
	_ harvest.RedirectFetcher = (*Fetcher)(nil)
)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchResult struct {
	status   int
	body     []byte
	location string
	err      error
}

// playbackPattern matches a playback address, absolute or rooted, and
// captures its timestamp and original URL.
var playbackPattern = regexp.MustCompile(`^(?:https?://[^/]+)?/web/(\d{14})(?:[a-z]{2}_)?/(.+)$`)

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newHTTPTransport()
	unfollowed := newCollector(cfg, transport)
	unfollowed.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: newCollector(cfg, transport),
		unfollowed:    unfollowed,
		logger:        logger.Named("wayback"),
	}
}

func newCollector(cfg Config, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.MaxBodySize = cfg.MaxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return c
}

// PlaybackURL returns the raw ("id_") playback address of a capture.
func (f *Fetcher) PlaybackURL(rawURL string, captureTime time.Time) string {
	return fmt.Sprintf("%s/web/%sid_/%s", f.cfg.BaseURL, captureTime.UTC().Format(harvest.TimestampLayout), rawURL)
}

// ParsePlaybackURL splits a playback address into the original URL and the
// capture time.
func ParsePlaybackURL(location string) (harvest.Redirect, error) {
	m := playbackPattern.FindStringSubmatch(location)
	if m == nil {
		return harvest.Redirect{}, fmt.Errorf("not a playback address: %q", location)
	}
	ts, err := time.Parse(harvest.TimestampLayout, m[1])
	if err != nil {
		return harvest.Redirect{}, fmt.Errorf("playback timestamp %q: %w", m[1], err)
	}
	return harvest.Redirect{URL: m[2], CaptureTime: ts}, nil
}

// Fetch downloads the archived bytes of rawURL as captured at captureTime.
// Failures are *harvest.TransportError; cancellation is returned as the
// context error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, captureTime time.Time) ([]byte, error) {
	target := f.PlaybackURL(rawURL, captureTime)
	start := time.Now()
	result, err := f.visit(ctx, f.baseCollector.Clone(), http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	if result.status != http.StatusOK {
		return nil, &harvest.TransportError{StatusCode: result.status, Message: "unexpected status"}
	}
	f.logger.Debug("fetched capture",
		zap.String("url", target),
		zap.Int("bytes", len(result.body)),
		zap.Duration("duration", time.Since(start)),
	)
	return result.body, nil
}

// ResolveRedirect reads where a redirect capture points without following it.
func (f *Fetcher) ResolveRedirect(ctx context.Context, rawURL string, captureTime time.Time) (harvest.Redirect, error) {
	target := f.PlaybackURL(rawURL, captureTime)
	result, err := f.visit(ctx, f.unfollowed.Clone(), http.MethodHead, target)
	if err != nil {
		return harvest.Redirect{}, err
	}
	if !harvest.IsRedirectStatus(result.status) || result.location == "" {
		return harvest.Redirect{}, &harvest.TransportError{StatusCode: result.status, Message: "capture did not redirect"}
	}
	redirect, err := ParsePlaybackURL(result.location)
	if err != nil {
		return harvest.Redirect{}, &harvest.TransportError{StatusCode: result.status, Message: "unexpected redirect location: " + err.Error()}
	}
	return redirect, nil
}

// FetchRedirect downloads the body the archive stored for a redirect capture.
func (f *Fetcher) FetchRedirect(ctx context.Context, rawURL string, captureTime time.Time) ([]byte, error) {
	target := f.PlaybackURL(rawURL, captureTime)
	result, err := f.visit(ctx, f.unfollowed.Clone(), http.MethodGet, target)
	if err != nil {
		return nil, err
	}
	if result.status != http.StatusOK && !harvest.IsRedirectStatus(result.status) {
		return nil, &harvest.TransportError{StatusCode: result.status, Message: "unexpected status"}
	}
	return result.body, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
		result.location = location(r)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
			result.body = append([]byte(nil), r.Body...)
			result.location = location(r)
		}
		result.err = err
	})
}

func location(r *colly.Response) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Location")
}

// visit waits for the limiter and runs one request. Colly reports an
// unfollowed redirect as an error; that case returns the response instead.
func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, method, target string) (fetchResult, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return fetchResult{}, fmt.Errorf("wait for %s: %w", target, err)
		}
	}
	var result fetchResult
	f.configureCollectorHooks(collector, &result)

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(target)
			return
		}
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fetchResult{}, fmt.Errorf("fetch %s: %w", target, ctx.Err())
	case err := <-done:
		if err == nil {
			err = result.err
		}
		if err != nil && ctx.Err() != nil {
			return fetchResult{}, fmt.Errorf("fetch %s: %w", target, ctx.Err())
		}
		if err != nil && !harvest.IsRedirectStatus(result.status) {
			f.logger.Debug("fetch failed", zap.String("url", target), zap.Error(err))
			return result, transportError(result.status, err)
		}
		return result, nil
	}
}

func transportError(status int, err error) *harvest.TransportError {
	var netErr net.Error
	msg := err.Error()
	if errors.As(err, &netErr) && netErr.Timeout() {
		msg = "timeout: " + msg
	}
	return &harvest.TransportError{StatusCode: status, Message: msg}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
