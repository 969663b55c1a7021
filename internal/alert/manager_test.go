package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"limit-trading/internal/config"
)

type capturingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capturingNotifier) Notify(ctx context.Context, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capturingNotifier) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestManagerDeliversFormattedAlert(t *testing.T) {
	notifier := &capturingNotifier{}
	m := NewManager("live", "primary", notifier)

	m.Important("order_rejected", map[string]string{
		"token":  "tok-a",
		"reason": "insufficient balance",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	msgs := notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(msgs))
	}
	msg := msgs[0]
	for _, want := range []string{
		"[limit-trading] alert",
		"mode: live",
		"instance: primary",
		"event: order_rejected",
		"reason: insufficient balance",
		"token: tok-a",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestManagerNilNotifier(t *testing.T) {
	m := NewManager("live", "primary", nil)
	if m != nil {
		t.Fatal("manager created without notifier")
	}
	// Important and Close on the nil manager must be no-ops.
	m.Important("anything", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close on nil manager: %v", err)
	}
}

func TestManagerDrainsOnClose(t *testing.T) {
	notifier := &capturingNotifier{}
	m := NewManager("live", "primary", notifier)
	for i := 0; i < 5; i++ {
		m.Important("state_transition", map[string]string{"n": "x"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(notifier.messages()); got != 5 {
		t.Fatalf("delivered %d messages, want 5", got)
	}
}

func TestTelegramNotifierPostsSendMessage(t *testing.T) {
	var got sendMessageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/bottest-token/sendMessage") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		Enabled:    true,
		BotToken:   "test-token",
		ChatID:     "42",
		APIBaseURL: server.URL,
		TimeoutSec: 5,
	})
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramNotifierAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		Enabled:    true,
		BotToken:   "test-token",
		ChatID:     "42",
		APIBaseURL: server.URL,
		TimeoutSec: 5,
	})
	err := n.Notify(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("error = %v, want api error", err)
	}
}

func TestTelegramNotifierDisabled(t *testing.T) {
	n := NewTelegramNotifier(config.TelegramConfig{Enabled: false})
	if err := n.Notify(context.Background(), "hello"); err != nil {
		t.Fatalf("disabled Notify: %v", err)
	}
}
