// Package claim runs the authenticated claim transaction for one game and resolves a
// game's downloadable files.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/pauljones0/itchclaim/internal/models"
	"github.com/pauljones0/itchclaim/internal/scraper"
	"github.com/pauljones0/itchclaim/internal/util"
	"github.com/pauljones0/itchclaim/internal/webclient"
)

// Requester sends requests that carry the origin's CSRF token.
type Requester interface {
	Do(ctx context.Context, method, rawURL string, opts webclient.Options) (*webclient.Response, error)
	CSRFToken() (string, error)
}

// Session is the logged-in account the engine claims for. session.Session satisfies it.
type Session interface {
	Requester
	Owns(rawURL string) bool
	MarkOwned(g *models.Game)
	Save() error
	OwnsGameOnline(ctx context.Context, g *models.Game) (bool, error)
}

type Engine struct {
	sess   Session
	parser *scraper.Parser
	// homeURL is where the origin sends a rejected claim submission.
	homeURL string
}

func NewEngine(sess Session, parser *scraper.Parser, homeURL string) *Engine {
	return &Engine{sess: sess, parser: parser, homeURL: homeURL}
}

// Claim adds g to the account's library. A game already in the owned set returns
// OutcomeAlreadyOwned without any request. Successful claims are persisted before
// Claim returns.
func (e *Engine) Claim(ctx context.Context, g *models.Game) (models.Outcome, error) {
	if e.sess.Owns(g.URL) {
		slog.Debug("Game already owned", "game", g.URL)
		return models.OutcomeAlreadyOwned, nil
	}

	downloadPage, err := negotiate(ctx, e.sess, g)
	if err != nil {
		return "", err
	}
	// The stale-link retry may have moved the game to a URL the account already owns.
	if e.sess.Owns(g.URL) {
		return models.OutcomeAlreadyOwned, nil
	}

	resp, err := e.sess.Do(ctx, http.MethodGet, downloadPage, webclient.Options{})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusOK {
		return "", fmt.Errorf("%w: download page %s returned %d", models.ErrNegotiation, downloadPage, resp.Status)
	}
	action, ok, err := e.parser.ParseClaimForm(resp.Body, resp.URL)
	if err != nil {
		return "", err
	}
	if !ok {
		slog.Info("Game is not claimable", "game", g.URL)
		return models.OutcomeNotClaimable, nil
	}

	token, err := e.sess.CSRFToken()
	if err != nil {
		return "", err
	}
	resp, err = e.sess.Do(ctx, http.MethodPost, action, webclient.Options{
		Form: map[string]string{"csrf_token": token},
	})
	if err != nil {
		return "", err
	}

	outcome := models.OutcomeClaimed
	if util.SamePage(resp.URL, e.homeURL) {
		owned, err := e.sess.OwnsGameOnline(ctx, g)
		if err != nil {
			return "", fmt.Errorf("verifying claim of %s: %w", g.URL, err)
		}
		if !owned {
			slog.Error("Unknown failure to claim game", "game", g.URL)
			return "", fmt.Errorf("%s: %w", g.URL, models.ErrUnknownClaimFailure)
		}
		outcome = models.OutcomeClaimedEarlier
	}

	e.sess.MarkOwned(g)
	if err := e.sess.Save(); err != nil {
		slog.Error("Failed to save session after claim", "game", g.URL, "error", err)
	}
	slog.Info("Game claimed", "game", g.URL, "name", g.Name, "outcome", outcome)
	return outcome, nil
}
