package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/pauljones0/itchclaim/internal/models"
)

const csrfCookie = "itchio_token"

// totpCode turns the configured second factor into a code. A six digit value is used
// as is; anything else is treated as the shared secret.
func totpCode(secretOrCode string, now time.Time) (string, error) {
	v := strings.ReplaceAll(strings.TrimSpace(secretOrCode), " ", "")
	if len(v) == 6 {
		if _, err := strconv.Atoi(v); err == nil {
			return v, nil
		}
	}
	code, err := totp.GenerateCode(strings.ToUpper(v), now)
	if err != nil {
		return "", fmt.Errorf("%w: generating 2FA code: %v", models.ErrAuthentication, err)
	}
	return code, nil
}

// tzOffset is the browser-style timezone offset in minutes (UTC minus local).
func tzOffset(now time.Time) string {
	_, offset := now.Zone()
	return strconv.Itoa(-offset / 60)
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// login runs the interactive login transaction on a fresh cookie jar.
func (s *Session) login(ctx context.Context) error {
	if err := s.client.ResetCookies(); err != nil {
		return err
	}
	sel := s.parser.Selectors().Login
	loginURL := s.baseURL + "/login"

	resp, err := s.client.Get(ctx, loginURL)
	if err != nil {
		return fmt.Errorf("loading login page: %w", err)
	}
	token, err := s.parser.ParseLoginForm(resp.Body)
	if err != nil {
		if token, err = s.CSRFToken(); err != nil {
			return fmt.Errorf("%w: login page has no csrf token", models.ErrAuthentication)
		}
	}

	password := s.creds.Password
	if password == "" {
		if s.prompter == nil {
			return fmt.Errorf("%w: no password for %s", models.ErrAuthentication, s.Username)
		}
		if password, err = s.prompter.Password(s.Username); err != nil {
			return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
		}
	}

	resp, err = s.client.PostForm(ctx, loginURL, map[string]string{
		"csrf_token": token,
		"tz":         tzOffset(s.now()),
		"username":   s.Username,
		"password":   password,
	})
	if err != nil {
		return fmt.Errorf("submitting login form: %w", err)
	}

	if strings.HasPrefix(pathOf(resp.URL), sel.TOTPPathPrefix) {
		second := s.creds.TOTP
		if second == "" && s.prompter != nil {
			if second, err = s.prompter.TOTP(); err != nil {
				return fmt.Errorf("%w: %v", models.ErrAuthentication, err)
			}
		}
		if second == "" {
			return fmt.Errorf("%w: account requires a 2FA code", models.ErrAuthentication)
		}
		code, err := totpCode(second, s.now())
		if err != nil {
			return err
		}
		resp, err = s.client.PostForm(ctx, resp.URL, map[string]string{
			"csrf_token": token,
			"userid":     s.parser.ParseTOTPForm(resp.Body),
			"code":       code,
		})
		if err != nil {
			return fmt.Errorf("submitting 2FA code: %w", err)
		}
	}

	if msgs := s.parser.ParseFormErrors(resp.Body); len(msgs) > 0 {
		return fmt.Errorf("%w: %s", models.ErrAuthentication, strings.Join(msgs, "; "))
	}
	if p := pathOf(resp.URL); p == "/login" || strings.HasPrefix(p, sel.TOTPPathPrefix) || !s.parser.IsLoggedIn(resp.Body) {
		return fmt.Errorf("%w: login did not reach a logged-in page (landed on %s)", models.ErrAuthentication, resp.URL)
	}
	if _, err := s.CSRFToken(); err != nil {
		return err
	}

	slog.Info("Logged in", "username", s.Username)
	return nil
}
