package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/pauljones0/itchclaim/internal/models"
)

const (
	colorClaimed        = 16406837 // #FA5C5C
	colorClaimedEarlier = 3092790  // #2F3136

	maxRetries = 3
)

type Client struct {
	webhookURL  string
	client      *resty.Client
	rateLimiter *rate.Limiter
}

func New(webhookURL string) *Client {
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(maxRetries)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(30 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})
	client.SetRetryAfter(func(_ *resty.Client, r *resty.Response) (time.Duration, error) {
		return retryBackoff(r.RawResponse, r.Request.Attempt), nil
	})

	return &Client{
		webhookURL: webhookURL,
		client:     client,
		// Discord allows 5 webhook requests per 2 seconds.
		rateLimiter: rate.NewLimiter(rate.Every(400*time.Millisecond), 1),
	}
}

// Send posts a claimed-game notification and returns the message ID. Without a
// webhook it does nothing.
func (c *Client) Send(ctx context.Context, g *models.Game, outcome models.Outcome) (string, error) {
	if c.webhookURL == "" {
		return "", nil
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	var msg discordMessageResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("wait", "true").
		SetBody(discordWebhookPayload{Embeds: []discordEmbed{formatGameToEmbed(g, outcome)}}).
		SetResult(&msg).
		Post(c.webhookURL)
	if err != nil {
		return "", fmt.Errorf("discord request: %w", err)
	}
	if res.IsError() {
		return "", fmt.Errorf("discord status: %s, body: %s", res.Status(), res.String())
	}
	slog.Debug("Discord notification sent", "game", g.URL, "message", msg.ID)
	return msg.ID, nil
}

// Internal structures
type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds"`
}

type discordEmbedThumbnail struct {
	URL string `json:"url,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type discordEmbed struct {
	Title       string                `json:"title,omitempty"`
	Description string                `json:"description,omitempty"`
	URL         string                `json:"url,omitempty"`
	Timestamp   string                `json:"timestamp,omitempty"`
	Color       int                   `json:"color,omitempty"`
	Thumbnail   discordEmbedThumbnail `json:"thumbnail,omitempty"`
	Fields      []discordEmbedField   `json:"fields,omitempty"`
	Footer      discordEmbedFooter    `json:"footer,omitempty"`
}

type discordMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

func formatGameToEmbed(g *models.Game, outcome models.Outcome) discordEmbed {
	embed := discordEmbed{
		Title:     g.Name,
		URL:       g.URL,
		Thumbnail: discordEmbedThumbnail{URL: g.CoverImage},
		Color:     colorClaimed,
		Footer:    discordEmbedFooter{Text: "itchclaim"},
	}
	if embed.Title == "" {
		embed.Title = g.URL
	}

	switch outcome {
	case models.OutcomeClaimedEarlier:
		embed.Description = "Already in your library"
		embed.Color = colorClaimedEarlier
	default:
		embed.Description = "Claimed for free"
	}

	if end, ok := g.SaleEnd.Get(); ok && !end.IsZero() {
		embed.Timestamp = end.UTC().Format(time.RFC3339)
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   "Sale ends",
			Value:  fmt.Sprintf("<t:%d:R>", end.Unix()),
			Inline: true,
		})
	}
	if g.SaleID > 0 {
		embed.Fields = append(embed.Fields, discordEmbedField{
			Name:   "Sale",
			Value:  fmt.Sprintf("#%d", g.SaleID),
			Inline: true,
		})
	}
	return embed
}

// retryBackoff is the wait before retrying resp. Zero means resp is not retried.
func retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp == nil {
		return 0
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
		return time.Duration(attempt+1) * time.Second
	case resp.StatusCode >= 500:
		return 500 * time.Millisecond << attempt
	default:
		return 0
	}
}
