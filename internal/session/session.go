// Package session owns one authenticated itch.io session: its cookie jar, the CSRF
// token derived from it, and the account's owned-games set.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// Credentials identify the account. Password and TOTP may be empty when a saved
// session exists or a Prompter is available.
type Credentials struct {
	Username string
	Password string
	// TOTP is either a six digit code or the base32 shared secret.
	TOTP string
}

type Options struct {
	// Dir holds one session file per username.
	Dir        string
	BaseURL    string
	Passphrase string
	Client     webclient.Config
	Parser     *scraper.Parser
	Prompter   Prompter
	// ScryptWorkFactor overrides age's default cost when encrypting. Zero keeps it.
	ScryptWorkFactor int
	Now              func() time.Time
}

// Manager creates sessions and persists them between runs.
type Manager struct {
	opts  Options
	store fileStore
}

func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Manager{
		opts:  opts,
		store: fileStore{dir: opts.Dir, passphrase: opts.Passphrase, workFactor: opts.ScryptWorkFactor},
	}
}

// LoadOrCreate restores the saved session for creds.Username or, if there is none or it
// cannot be read, logs in and saves the new session.
func (m *Manager) LoadOrCreate(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Username == "" {
		return nil, fmt.Errorf("%w: no username", models.ErrAuthentication)
	}
	s, err := m.newSession(creds)
	if err != nil {
		return nil, err
	}

	sf, err := m.store.load(creds.Username)
	switch {
	case err == nil:
		if err := s.restore(sf); err == nil {
			slog.Info("Session loaded", "username", creds.Username, "owned", s.owned.Len())
			return s, nil
		} else {
			slog.Warn("Saved session unusable, logging in again", "username", creds.Username, "error", err)
		}
	case errors.Is(err, models.ErrNotFound):
		slog.Info("No saved session, logging in", "username", creds.Username)
	default:
		slog.Warn("Failed to read saved session, logging in again", "username", creds.Username, "error", err)
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) newSession(creds Credentials) (*Session, error) {
	cfg := m.opts.Client
	if cfg.SharedCookieDomain == "" {
		if u, err := url.Parse(m.opts.BaseURL); err == nil {
			cfg.SharedCookieDomain = u.Hostname()
		}
	}
	client, err := webclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Session{
		Username: creds.Username,
		creds:    creds,
		client:   client,
		parser:   m.opts.Parser,
		baseURL:  m.opts.BaseURL,
		store:    m.store,
		prompter: m.opts.Prompter,
		now:      m.opts.Now,
		owned:    newOwnedSet(),
	}, nil
}

// Session is an authenticated client. It is not safe for concurrent use.
type Session struct {
	Username string

	creds    Credentials
	client   *webclient.Client
	parser   *scraper.Parser
	baseURL  string
	store    fileStore
	prompter Prompter
	now      func() time.Time
	owned    *OwnedSet
}

func (s *Session) restore(sf *sessionFile) error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return err
	}
	cookies := fromSaved(sf.Cookies)
	for _, c := range cookies {
		c.Domain = u.Hostname()
	}
	if err := s.client.SetCookies(s.baseURL, cookies); err != nil {
		return err
	}
	if _, err := s.CSRFToken(); err != nil {
		return err
	}

	games := make([]*models.Game, 0, len(sf.Owned))
	for _, o := range sf.Owned {
		games = append(games, &models.Game{ID: o.ID, Name: o.Name, URL: o.URL})
	}
	s.owned.Replace(games)
	return nil
}

// Save persists cookies and the owned set.
func (s *Session) Save() error {
	sf := &sessionFile{
		Version:  sessionFileVersion,
		Username: s.Username,
		Cookies:  toSaved(s.client.Cookies(s.baseURL)),
		SavedAt:  s.now().UTC(),
	}
	for g := range s.owned.All() {
		sf.Owned = append(sf.Owned, ownedGame{ID: g.ID, Name: g.Name, URL: g.URL})
	}
	if err := s.store.save(sf); err != nil {
		return fmt.Errorf("saving session %s: %w", s.Username, err)
	}
	return nil
}

// CSRFToken derives the anti-forgery token from the session cookie.
func (s *Session) CSRFToken() (string, error) {
	raw, ok := s.client.Cookie(s.baseURL, csrfCookie)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: session has no %s cookie", models.ErrAuthentication, csrfCookie)
	}
	token, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed %s cookie: %v", models.ErrAuthentication, csrfCookie, err)
	}
	return token, nil
}

// Do sends an authenticated request. If the origin bounces it to the login page the
// session logs in again once and repeats the request with a fresh CSRF token.
func (s *Session) Do(ctx context.Context, method, rawURL string, opts webclient.Options) (*webclient.Response, error) {
	resp, err := s.client.Do(ctx, method, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if !resp.Redirected || pathOf(resp.URL) != "/login" {
		return resp, nil
	}

	slog.Warn("Session expired, logging in again", "username", s.Username, "url", rawURL)
	if err := s.login(ctx); err != nil {
		return nil, err
	}
	if err := s.Save(); err != nil {
		slog.Warn("Failed to save refreshed session", "username", s.Username, "error", err)
	}
	opts = s.refreshToken(opts)
	return s.client.Do(ctx, method, rawURL, opts)
}

// refreshToken replaces a stale csrf_token in the request payload.
func (s *Session) refreshToken(opts webclient.Options) webclient.Options {
	token, err := s.CSRFToken()
	if err != nil {
		return opts
	}
	if _, ok := opts.Form["csrf_token"]; ok {
		form := make(map[string]string, len(opts.Form))
		for k, v := range opts.Form {
			form[k] = v
		}
		form["csrf_token"] = token
		opts.Form = form
	}
	if m, ok := opts.JSON.(map[string]string); ok {
		if _, ok := m["csrf_token"]; ok {
			opts.JSON = map[string]string{"csrf_token": token}
		}
	}
	return opts
}

func (s *Session) Get(ctx context.Context, rawURL string) (*webclient.Response, error) {
	return s.Do(ctx, http.MethodGet, rawURL, webclient.Options{})
}

func (s *Session) Owned() *OwnedSet {
	return s.owned
}

// OwnedCount is the size of the owned set. Zero means the library was never loaded.
func (s *Session) OwnedCount() int {
	return s.owned.Len()
}

func (s *Session) Owns(rawURL string) bool {
	return s.owned.Contains(rawURL)
}

// MarkOwned adds g to the owned set. Callers persist with Save.
func (s *Session) MarkOwned(g *models.Game) {
	s.owned.Add(g)
}

// RefreshLibrary replaces the owned set with the account's purchases, read page by
// page until an empty page.
func (s *Session) RefreshLibrary(ctx context.Context) error {
	var games []*models.Game
	for page := 1; ; page++ {
		pageURL := fmt.Sprintf("%s/my-purchases?format=json&page=%d", s.baseURL, page)
		resp, err := s.Get(ctx, pageURL)
		if err != nil {
			return fmt.Errorf("library page %d: %w", page, err)
		}
		if resp.Status != http.StatusOK {
			return fmt.Errorf("library page %d: status %d", page, resp.Status)
		}
		listing, err := scraper.ParseListingPage(resp.Body)
		if err != nil {
			return fmt.Errorf("library page %d: %w", page, err)
		}
		if listing.NumItems == 0 {
			break
		}
		cells, err := s.parser.ParseGameCells([]byte(listing.Content), s.baseURL)
		if err != nil {
			return fmt.Errorf("library page %d: %w", page, err)
		}
		games = append(games, cells...)
		slog.Debug("Library page loaded", "page", page, "games", len(cells))
	}

	s.owned.Replace(games)
	slog.Info("Library refreshed", "username", s.Username, "owned", s.owned.Len())
	return nil
}

// OwnsGameOnline asks the origin whether the account owns g.
func (s *Session) OwnsGameOnline(ctx context.Context, g *models.Game) (bool, error) {
	resp, err := s.Get(ctx, g.URL)
	if err != nil {
		return false, err
	}
	if resp.Status != http.StatusOK {
		return false, nil
	}
	return s.parser.ParseOwnership(resp.Body)
}
