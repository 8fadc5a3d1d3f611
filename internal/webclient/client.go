// Package webclient is the shared HTTP layer for crawling and claiming. It applies one
// retry policy to every exchange and leaves response classification to callers.
package webclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/pauljones0/itchclaim/internal/models"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config controls the retry policy and transport.
type Config struct {
	// MaxAttempts bounds retries of unexpected statuses and transport errors.
	MaxAttempts int
	// RetryDelay is the pause between those retries.
	RetryDelay time.Duration
	// RateLimitDelay is the fixed pause after a 429.
	RateLimitDelay time.Duration
	// MaxRateLimited bounds consecutive 429 responses. They do not count toward MaxAttempts.
	MaxRateLimited int
	Timeout        time.Duration
	// RequestsPerSecond enables a client-side limiter when positive.
	RequestsPerSecond float64
	BrowserTLS        bool
	UserAgent         string
	// SharedCookieDomain lets cookies set for this domain reach its subdomains even
	// when the domain itself is a public suffix.
	SharedCookieDomain string
}

// DefaultConfig mirrors the origin-tested reference values.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    100,
		RetryDelay:     time.Millisecond,
		RateLimitDelay: 10 * time.Millisecond,
		MaxRateLimited: 1000,
		Timeout:        10 * time.Second,
		UserAgent:      defaultUserAgent,
	}
}

// Options describe the payload of one request.
type Options struct {
	Form    map[string]string
	JSON    any
	Query   map[string]string
	Headers map[string]string
	// NoRedirect returns the first response instead of following Location headers.
	NoRedirect bool
}

// Response is the outcome of an exchange that the retry policy accepted.
type Response struct {
	Status int
	Body   []byte
	// URL is the final URL after redirects.
	URL        string
	Redirected bool
	Header     http.Header
}

// ExhaustedRetriesError is returned when the attempt ceiling is reached.
type ExhaustedRetriesError struct {
	Method     string
	URL        string
	Attempts   int
	LastStatus int
	LastBody   string
	LastErr    error
}

func (e *ExhaustedRetriesError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s %s: gave up after %d attempts: %v", e.Method, e.URL, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s %s: gave up after %d attempts, last status %d: %s", e.Method, e.URL, e.Attempts, e.LastStatus, e.LastBody)
}

func (e *ExhaustedRetriesError) Is(target error) bool {
	return target == models.ErrExhaustedRetries
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.LastErr
}

type noRedirectKey struct{}

// Client wraps a resty client and its cookie jar.
type Client struct {
	http *resty.Client
	cfg  Config
}

// New builds a client with an empty cookie jar.
func New(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxRateLimited <= 0 {
		cfg.MaxRateLimited = def.MaxRateLimited
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	jar, err := newJar(cfg.SharedCookieDomain)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetCookieJar(jar)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("User-Agent", cfg.UserAgent)
	if cfg.BrowserTLS {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
		if skip, _ := req.Context().Value(noRedirectKey{}).(bool); skip {
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}))

	if cfg.RequestsPerSecond > 0 {
		limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
		client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			return limiter.Wait(req.Context())
		})
	}
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		slog.Debug("HTTP exchange",
			"method", res.Request.Method,
			"url", res.Request.URL,
			"status", res.StatusCode(),
			"duration", res.Time(),
		)
		return nil
	})

	return &Client{http: client, cfg: cfg}, nil
}

// cookieScope is publicsuffix.List except that shared is treated as a registrable
// domain. itch.io is on the list, yet its session cookie must reach creator subdomains.
type cookieScope struct {
	shared string
}

func (s cookieScope) PublicSuffix(domain string) string {
	if s.shared != "" && (domain == s.shared || strings.HasSuffix(domain, "."+s.shared)) {
		if i := strings.LastIndexByte(s.shared, '.'); i >= 0 {
			return s.shared[i+1:]
		}
	}
	return publicsuffix.List.PublicSuffix(domain)
}

func (s cookieScope) String() string {
	return publicsuffix.List.String() + "; shared " + s.shared
}

func newJar(shared string) (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: cookieScope{shared: strings.ToLower(shared)}})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	return jar, nil
}

// Get is Do with GET and no options.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, Options{})
}

// PostForm is Do with POST and a form body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodPost, rawURL, Options{Form: form})
}

// Do sends a request under the retry policy. 200, 404 and 301 return immediately, as
// does any redirect when opts.NoRedirect is set.
// 429 waits RateLimitDelay and retries without consuming an attempt. Any other status
// or transport error is retried up to MaxAttempts, then ExhaustedRetriesError is returned.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	var (
		attempts    int
		rateLimited int
		last        *Response
		lastErr     error
	)
	for attempts < c.cfg.MaxAttempts {
		resp, err := c.send(ctx, method, rawURL, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attempts++
			lastErr = fmt.Errorf("%w: %v", models.ErrTransientNetwork, err)
			slog.Debug("Request failed, retrying", "method", method, "url", rawURL, "attempt", attempts, "error", err)
			if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
			continue
		}

		switch resp.Status {
		case http.StatusOK, http.StatusNotFound, http.StatusMovedPermanently:
			return resp, nil
		case http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			if opts.NoRedirect {
				return resp, nil
			}
		case http.StatusTooManyRequests:
			rateLimited++
			if rateLimited > c.cfg.MaxRateLimited {
				return nil, &ExhaustedRetriesError{
					Method: method, URL: rawURL, Attempts: attempts + rateLimited,
					LastStatus: resp.Status, LastBody: excerpt(resp.Body),
				}
			}
			if err := sleep(ctx, c.cfg.RateLimitDelay); err != nil {
				return nil, err
			}
			continue
		}

		attempts++
		last, lastErr = resp, nil
		slog.Debug("Unexpected status, retrying", "method", method, "url", rawURL, "status", resp.Status, "attempt", attempts)
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return nil, err
		}
	}

	exhausted := &ExhaustedRetriesError{Method: method, URL: rawURL, Attempts: attempts, LastErr: lastErr}
	if last != nil {
		exhausted.LastStatus = last.Status
		exhausted.LastBody = excerpt(last.Body)
	}
	slog.Error("Too many attempts", "method", method, "url", rawURL, "status", exhausted.LastStatus)
	return nil, exhausted
}

func (c *Client) send(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	if opts.NoRedirect {
		ctx = context.WithValue(ctx, noRedirectKey{}, true)
	}
	req := c.http.R().SetContext(ctx)
	if opts.Form != nil {
		req.SetFormData(opts.Form)
	}
	if opts.JSON != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(opts.JSON)
	}
	if opts.Query != nil {
		req.SetQueryParams(opts.Query)
	}
	if opts.Headers != nil {
		req.SetHeaders(opts.Headers)
	}

	res, err := req.Execute(method, rawURL)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Status: res.StatusCode(),
		Body:   res.Body(),
		Header: res.Header(),
		URL:    rawURL,
	}
	if raw := res.RawResponse; raw != nil && raw.Request != nil {
		resp.URL = raw.Request.URL.String()
		if first := res.Request.RawRequest; first != nil {
			resp.Redirected = raw.Request.URL.String() != first.URL.String()
		}
	}
	return resp, nil
}

// Cookies returns the jar's cookies for rawURL.
func (c *Client) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return c.http.GetClient().Jar.Cookies(u)
}

// Cookie returns the value of the named cookie visible to rawURL.
func (c *Client) Cookie(rawURL, name string) (string, bool) {
	for _, ck := range c.Cookies(rawURL) {
		if ck.Name == name {
			return ck.Value, true
		}
	}
	return "", false
}

// SetCookies stores cookies as if rawURL had set them.
func (c *Client) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parsing cookie url: %w", err)
	}
	c.http.GetClient().Jar.SetCookies(u, cookies)
	return nil
}

// ResetCookies replaces the jar with an empty one.
func (c *Client) ResetCookies() error {
	jar, err := newJar(c.cfg.SharedCookieDomain)
	if err != nil {
		return err
	}
	c.http.SetCookieJar(jar)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func excerpt(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
