package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/pauljones0/itchclaim/internal/models"
)

func testGame() *models.Game {
	return &models.Game{
		ID:         1001,
		Name:       "Tiny Dungeon",
		URL:        "https://dev.itch.io/tiny-dungeon",
		CoverImage: "https://img.itch.zone/1001.png",
		SaleID:     42,
		SaleEnd:    models.Resolved(time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)),
	}
}

func newTestClient(url string) *Client {
	c := New(url)
	// Override rate limiter and retry waits for tests to run fast
	c.rateLimiter = rate.NewLimiter(rate.Inf, 1)
	c.client.SetRetryWaitTime(time.Millisecond)
	c.client.SetRetryMaxWaitTime(10 * time.Millisecond)
	return c
}

func TestFormatGameToEmbed(t *testing.T) {
	g := testGame()
	embed := formatGameToEmbed(g, models.OutcomeClaimed)

	if embed.Title != g.Name {
		t.Errorf("Title incorrect. Got: %s, Want: %s", embed.Title, g.Name)
	}
	if embed.URL != g.URL {
		t.Errorf("URL incorrect. Got: %s, Want: %s", embed.URL, g.URL)
	}
	if embed.Thumbnail.URL != g.CoverImage {
		t.Errorf("Thumbnail incorrect. Got: %s", embed.Thumbnail.URL)
	}
	if embed.Description != "Claimed for free" {
		t.Errorf("Description incorrect. Got: %s", embed.Description)
	}
	if embed.Timestamp != "2024-01-08T00:00:00Z" {
		t.Errorf("Timestamp incorrect. Got: %s", embed.Timestamp)
	}
	if len(embed.Fields) != 2 {
		t.Fatalf("Expected 2 fields (Sale ends + Sale), got %d fields", len(embed.Fields))
	}
	if embed.Fields[0].Value != "<t:1704672000:R>" {
		t.Errorf("Sale ends field incorrect. Got: %s", embed.Fields[0].Value)
	}
	if embed.Fields[1].Value != "#42" {
		t.Errorf("Sale field incorrect. Got: %s", embed.Fields[1].Value)
	}

	earlier := formatGameToEmbed(&models.Game{URL: "https://a.itch.io/b"}, models.OutcomeClaimedEarlier)
	if earlier.Title != "https://a.itch.io/b" || earlier.Color != colorClaimedEarlier || len(earlier.Fields) != 0 {
		t.Errorf("Unexpected embed for bare game: %+v", earlier)
	}
}

func TestClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("Expected wait=true query param")
		}

		var payload discordWebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("Failed to decode request body: %v", err)
		}
		if len(payload.Embeds) != 1 {
			t.Errorf("Expected 1 embed, got %d", len(payload.Embeds))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "12345", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	id, err := client.Send(context.Background(), testGame(), models.OutcomeClaimed)
	if err != nil {
		t.Fatalf("Send() returned error: %v", err)
	}
	if id != "12345" {
		t.Errorf("Expected ID 12345, got %s", id)
	}
}

func TestClient_Send_RetriesOn5xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attempts, 1)
		if attempt <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message": "server error"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "retry-success", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	id, err := client.Send(context.Background(), testGame(), models.OutcomeClaimed)
	if err != nil {
		t.Fatalf("Send() should have succeeded after retries, got error: %v", err)
	}
	if id != "retry-success" {
		t.Errorf("Expected ID 'retry-success', got %s", id)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("Expected 3 attempts (2 failures + 1 success), got %d", atomic.LoadInt32(&attempts))
	}
}

func TestClient_Send_RetriesOn429(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attempts, 1)
		if attempt == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message": "rate limited"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": "429-success", "channel_id": "67890"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	id, err := client.Send(context.Background(), testGame(), models.OutcomeClaimed)
	if err != nil {
		t.Fatalf("Send() should have succeeded after 429 retry, got error: %v", err)
	}
	if id != "429-success" {
		t.Errorf("Expected ID '429-success', got %s", id)
	}
}

func TestClient_Send_NoRetryOn4xx(t *testing.T) {
	var attempts int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "bad request"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Send(context.Background(), testGame(), models.OutcomeClaimed)
	if err == nil {
		t.Fatal("Send() should have returned error for 400 response")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Errorf("Expected 1 attempt (no retry for 400), got %d", atomic.LoadInt32(&attempts))
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		retryAfter string
		attempt    int
		want       time.Duration
	}{
		{"429 with Retry-After", 429, "2", 0, 2 * time.Second},
		{"429 without Retry-After", 429, "", 1, 2 * time.Second},
		{"500 error", 500, "", 0, 500 * time.Millisecond},
		{"503 error", 503, "", 1, time.Second},
		{"400 error", 400, "", 0, 0},
		{"404 error", 404, "", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Header:     http.Header{},
			}
			if tt.retryAfter != "" {
				resp.Header.Set("Retry-After", tt.retryAfter)
			}

			if got := retryBackoff(resp, tt.attempt); got != tt.want {
				t.Errorf("retryBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClient_Send_EmptyWebhookURL(t *testing.T) {
	c := New("")
	id, err := c.Send(context.Background(), testGame(), models.OutcomeClaimed)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "" {
		t.Errorf("Send() with empty webhook should return empty ID, got %q", id)
	}
}
