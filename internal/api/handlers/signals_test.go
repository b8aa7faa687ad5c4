package handlers

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kalbot-project/backend/internal/services"
	"github.com/redis/go-redis/v9"
)

func TestStreamSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	hub := services.NewSignalStreamHub(redisClient, services.SignalPublishedChannel)
	t.Cleanup(hub.Close)

	handler := NewSignalHandler(&services.SignalService{Redis: redisClient}, hub)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/api/v1/signals/stream", handler.StreamSignals)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(time.Second) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	// keep publishing until the hub's subscription is live and the event arrives
	payload := `{"type":"signals_published","count":1}`
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				_ = redisClient.Publish(context.Background(), services.SignalPublishedChannel, payload).Err()
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ln.Addr().String()+"/api/v1/signals/stream", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to call SSE endpoint: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read SSE line: %v", err)
		}
		if strings.HasPrefix(line, "data:") {
			if !strings.Contains(line, `"signals_published"`) {
				t.Fatalf("unexpected SSE payload: %s", line)
			}
			return
		}
	}
}

func TestWindowDays(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultWindowDays},
		{"?days=7", 7},
		{"?days=0", 1},
		{"?days=9999", maxWindowDays},
		{"?days=abc", defaultWindowDays},
	}

	app := fiber.New()
	var got int
	app.Get("/", func(c *fiber.Ctx) error {
		got = windowDays(c)
		return c.SendStatus(fiber.StatusNoContent)
	})

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			if _, err := app.Test(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)); err != nil {
				t.Fatalf("request: %v", err)
			}
			if got != tt.want {
				t.Fatalf("days = %d, want %d", got, tt.want)
			}
		})
	}
}
