package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const totpSecret = "JBSWY3DPEHPK3PXP"

// fakeOrigin imitates the login, library and game pages of the origin.
type fakeOrigin struct {
	*httptest.Server

	mu         sync.Mutex
	logins     int
	validSess  string
	needsTOTP  bool
	library    [][]string
	ownedPaths map[string]bool
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	o := &fakeOrigin{ownedPaths: map[string]bool{}}
	mux := http.NewServeMux()

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "itchio_token", Value: "tok%2Bval", Path: "/"})
			fmt.Fprint(w, `<form action="/login" method="post"><input type="hidden" name="csrf_token" value="tok+val"></form>`)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("csrf_token") != "tok+val" || r.PostForm.Get("password") != "hunter2" {
			fmt.Fprint(w, `<div class="form_errors"><ul><li>Incorrect username or password</li></ul></div>`)
			return
		}
		if o.needsTOTP {
			http.Redirect(w, r, "/totp/abc", http.StatusFound)
			return
		}
		o.startSession(w)
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	mux.HandleFunc("/totp/abc", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<form method="post"><input type="hidden" name="user_id" value="77"><input name="code"></form>`)
			return
		}
		r.ParseForm()
		want, _ := totp.GenerateCode(totpSecret, fixedNow)
		if r.PostForm.Get("code") != want || r.PostForm.Get("userid") != "77" {
			fmt.Fprint(w, `<div class="form_errors">Invalid code</div>`)
			return
		}
		o.startSession(w)
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<div class="user_panel_widget"><a class="user_name">me</a></div>`)
	})
	mux.HandleFunc("/my-purchases", func(w http.ResponseWriter, r *http.Request) {
		if !o.authorized(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		var page int
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)
		o.mu.Lock()
		defer o.mu.Unlock()
		if page < 1 || page > len(o.library) {
			fmt.Fprint(w, `{"num_items":0,"content":""}`)
			return
		}
		var cells strings.Builder
		for i, path := range o.library[page-1] {
			fmt.Fprintf(&cells, `<div class="game_cell" data-game_id="%d"><a class="title game_link" href="%s">Game %d</a></div>`, page*100+i, path, i)
		}
		fmt.Fprintf(w, `{"num_items":%d,"content":%q}`, len(o.library[page-1]), cells.String())
	})
	mux.HandleFunc("/games/", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		owned := o.ownedPaths[r.URL.Path]
		o.mu.Unlock()
		if owned {
			fmt.Fprint(w, `<div class="purchase_banner_inner">You own this</div>`)
			return
		}
		fmt.Fprint(w, `<div class="buy_row"><a class="button buy_btn">Download or claim</a></div>`)
	})

	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrigin) startSession(w http.ResponseWriter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logins++
	o.validSess = fmt.Sprintf("sess-%d", o.logins)
	http.SetCookie(w, &http.Cookie{Name: "itchio", Value: o.validSess, Path: "/"})
}

func (o *fakeOrigin) authorized(r *http.Request) bool {
	c, err := r.Cookie("itchio")
	o.mu.Lock()
	defer o.mu.Unlock()
	return err == nil && c.Value == o.validSess
}

func (o *fakeOrigin) expireSessions() {
	o.mu.Lock()
	o.validSess = "expired"
	o.mu.Unlock()
}

func (o *fakeOrigin) loginCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.logins
}

func newManager(t *testing.T, origin *fakeOrigin, dir, passphrase string) *Manager {
	t.Helper()
	parser, err := scraper.New(scraper.DefaultSelectors())
	require.NoError(t, err)
	cfg := webclient.DefaultConfig()
	cfg.RetryDelay = 0
	cfg.MaxAttempts = 3
	return NewManager(Options{
		Dir:              dir,
		BaseURL:          origin.URL,
		Passphrase:       passphrase,
		Client:           cfg,
		Parser:           parser,
		ScryptWorkFactor: 10,
		Now:              func() time.Time { return fixedNow },
	})
}

func TestLoadOrCreateLogsInOnceAndPersists(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	dir := t.TempDir()
	creds := Credentials{Username: "player", Password: "hunter2"}

	s, err := newManager(t, origin, dir, "").LoadOrCreate(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, 1, origin.loginCount())

	token, err := s.CSRFToken()
	require.NoError(t, err)
	require.Equal(t, "tok+val", token)
	require.FileExists(t, filepath.Join(dir, "player.json"))

	again, err := newManager(t, origin, dir, "").LoadOrCreate(ctx, Credentials{Username: "player"})
	require.NoError(t, err)
	require.Equal(t, 1, origin.loginCount(), "saved session must be reused")

	token, err = again.CSRFToken()
	require.NoError(t, err)
	require.Equal(t, "tok+val", token)
}

func TestLoginRejectedIsFatal(t *testing.T) {
	origin := newFakeOrigin(t)

	_, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(context.Background(),
		Credentials{Username: "player", Password: "wrong"})
	require.ErrorIs(t, err, models.ErrAuthentication)
	require.True(t, models.IsFatal(err))
	require.Contains(t, err.Error(), "Incorrect username or password")
}

func TestLoginWithoutPasswordOrPrompt(t *testing.T) {
	origin := newFakeOrigin(t)

	_, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(context.Background(), Credentials{Username: "player"})
	require.ErrorIs(t, err, models.ErrAuthentication)
}

func TestLoginWithTOTPSecret(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.needsTOTP = true

	s, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(context.Background(),
		Credentials{Username: "player", Password: "hunter2", TOTP: totpSecret})
	require.NoError(t, err)
	require.Equal(t, 1, origin.loginCount())
	_, err = s.CSRFToken()
	require.NoError(t, err)
}

type stubPrompter struct {
	password, code string
	asked          int
}

func (p *stubPrompter) Password(string) (string, error) { p.asked++; return p.password, nil }
func (p *stubPrompter) TOTP() (string, error)           { p.asked++; return p.code, nil }

func TestLoginPromptsForMissingSecrets(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.needsTOTP = true
	code, err := totp.GenerateCode(totpSecret, fixedNow)
	require.NoError(t, err)

	m := newManager(t, origin, t.TempDir(), "")
	prompter := &stubPrompter{password: "hunter2", code: code}
	m.opts.Prompter = prompter

	_, err = m.LoadOrCreate(context.Background(), Credentials{Username: "player"})
	require.NoError(t, err)
	require.Equal(t, 2, prompter.asked)
}

func TestEncryptedSessionFile(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	dir := t.TempDir()
	creds := Credentials{Username: "player", Password: "hunter2"}

	s, err := newManager(t, origin, dir, "correct horse").LoadOrCreate(ctx, creds)
	require.NoError(t, err)
	s.MarkOwned(&models.Game{ID: 5, Name: "Kept", URL: origin.URL + "/games/kept"})
	require.NoError(t, s.Save())

	raw, err := os.ReadFile(filepath.Join(dir, "player.age"))
	require.NoError(t, err)
	require.NotContains(t, string(raw), "tok%2Bval")

	again, err := newManager(t, origin, dir, "correct horse").LoadOrCreate(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, 1, origin.loginCount())
	require.True(t, again.Owns(origin.URL+"/games/kept/"))

	_, err = newManager(t, origin, dir, "wrong passphrase").LoadOrCreate(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, 2, origin.loginCount(), "undecryptable session falls back to login")
}

func TestRefreshLibraryReplacesOwnedSet(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	origin.library = [][]string{
		{"/games/a", "/games/b"},
		{"/games/c"},
	}

	s, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(ctx, Credentials{Username: "player", Password: "hunter2"})
	require.NoError(t, err)
	s.MarkOwned(&models.Game{URL: origin.URL + "/games/stale"})

	require.NoError(t, s.RefreshLibrary(ctx))
	require.Equal(t, 3, s.Owned().Len())
	require.True(t, s.Owns(origin.URL+"/games/c"))
	require.False(t, s.Owns(origin.URL+"/games/stale"))
}

func TestDoLogsInAgainWhenSessionExpires(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	origin.library = [][]string{{"/games/a"}}

	s, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(ctx, Credentials{Username: "player", Password: "hunter2"})
	require.NoError(t, err)

	origin.expireSessions()
	require.NoError(t, s.RefreshLibrary(ctx))
	require.Equal(t, 2, origin.loginCount())
	require.Equal(t, 1, s.Owned().Len())
}

func TestOwnsGameOnline(t *testing.T) {
	ctx := context.Background()
	origin := newFakeOrigin(t)
	origin.ownedPaths["/games/mine"] = true

	s, err := newManager(t, origin, t.TempDir(), "").LoadOrCreate(ctx, Credentials{Username: "player", Password: "hunter2"})
	require.NoError(t, err)

	owned, err := s.OwnsGameOnline(ctx, models.NewGameFromURL(origin.URL+"/games/mine"))
	require.NoError(t, err)
	require.True(t, owned)

	owned, err = s.OwnsGameOnline(ctx, models.NewGameFromURL(origin.URL+"/games/other"))
	require.NoError(t, err)
	require.False(t, owned)
}

func TestTOTPCode(t *testing.T) {
	code, err := totpCode("123456", fixedNow)
	require.NoError(t, err)
	require.Equal(t, "123456", code)

	want, err := totp.GenerateCode(totpSecret, fixedNow)
	require.NoError(t, err)
	code, err = totpCode(strings.ToLower(totpSecret), fixedNow)
	require.NoError(t, err)
	require.Equal(t, want, code)
}

func TestOwnedSetKeysByCanonicalURL(t *testing.T) {
	set := newOwnedSet()
	set.Add(&models.Game{URL: "https://dev.itch.io/game/"})
	set.Add(&models.Game{URL: "https://Dev.itch.io/game"})
	require.Equal(t, 1, set.Len())
	require.True(t, set.Contains("https://dev.itch.io/game?source=x"))
}
