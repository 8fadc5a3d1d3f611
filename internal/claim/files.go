package claim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

const csrfCookie = "itchio_token"

// Anonymous is a Requester without an account. Its CSRF token comes from the cookie
// the origin sets on any page.
type Anonymous struct {
	client  *webclient.Client
	baseURL string
}

// NewAnonymous visits baseURL once so the client holds a CSRF cookie.
func NewAnonymous(ctx context.Context, client *webclient.Client, baseURL string) (*Anonymous, error) {
	a := &Anonymous{client: client, baseURL: baseURL}
	if _, err := client.Get(ctx, baseURL); err != nil {
		return nil, err
	}
	if _, err := a.CSRFToken(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Anonymous) Do(ctx context.Context, method, rawURL string, opts webclient.Options) (*webclient.Response, error) {
	return a.client.Do(ctx, method, rawURL, opts)
}

func (a *Anonymous) CSRFToken() (string, error) {
	raw, ok := a.client.Cookie(a.baseURL, csrfCookie)
	if !ok {
		return "", fmt.Errorf("%w: origin set no %s cookie", models.ErrNegotiation, csrfCookie)
	}
	return url.QueryUnescape(raw)
}

// DownloadableFiles lists g's uploads with their CDN URLs. An upload whose URL cannot be
// resolved is returned with an empty URL.
func DownloadableFiles(ctx context.Context, r Requester, parser *scraper.Parser, g *models.Game) ([]models.Upload, error) {
	downloadPage, err := negotiate(ctx, r, g)
	if err != nil {
		return nil, err
	}
	resp, err := r.Do(ctx, http.MethodGet, downloadPage, webclient.Options{})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: download page %s returned %d", models.ErrNegotiation, downloadPage, resp.Status)
	}
	uploads, err := parser.ParseUploads(resp.Body)
	if err != nil {
		return nil, err
	}

	for i := range uploads {
		u, err := fileURL(ctx, r, g.URL, uploads[i].ID)
		if err != nil {
			if models.IsFatal(err) {
				return nil, err
			}
			slog.Warn("Failed to resolve upload URL", "game", g.URL, "upload", uploads[i].ID, "error", err)
			continue
		}
		uploads[i].URL = u
	}
	return uploads, nil
}

func fileURL(ctx context.Context, r Requester, gameURL string, id int64) (string, error) {
	token, err := r.CSRFToken()
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/file/%d", strings.TrimRight(gameURL, "/"), id)
	resp, err := r.Do(ctx, http.MethodPost, endpoint, webclient.Options{
		Query: map[string]string{"source": "game_download"},
		JSON:  map[string]string{"csrf_token": token},
	})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("%s returned %d", endpoint, resp.Status)
	}
	reply, err := scraper.ParseDownloadURL(resp.Body)
	if err != nil {
		return "", err
	}
	if len(reply.Errors) > 0 {
		return "", fmt.Errorf("%s: %s", endpoint, reply.Errors[0])
	}
	return reply.URL, nil
}
