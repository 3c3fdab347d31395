package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"grid-backtest/internal/config"
)

func TestTelegramSenderPostsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSender(config.TelegramConfig{BotToken: "tok", ChatID: "42", APIBaseURL: srv.URL + "/", TimeoutSec: 2})
	if err != nil {
		t.Fatalf("NewTelegramSender() error = %v", err)
	}
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if path != "/bottok/sendMessage" {
		t.Fatalf("path = %q", path)
	}
	if got.ChatID != "42" || got.Text != "hello" {
		t.Fatalf("request = %+v", got)
	}
}

func TestTelegramSenderReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSender(config.TelegramConfig{BotToken: "tok", ChatID: "42", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSender() error = %v", err)
	}
	err = s.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Send() error = %v, want chat not found", err)
	}
}

func TestTelegramSenderReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s, err := NewTelegramSender(config.TelegramConfig{BotToken: "tok", ChatID: "42", APIBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSender() error = %v", err)
	}
	if err := s.Send(context.Background(), "hello"); err == nil || !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("Send() error = %v, want status=401", err)
	}
}

func TestNewTelegramSenderRequiresCredentials(t *testing.T) {
	if _, err := NewTelegramSender(config.TelegramConfig{ChatID: "42"}); err == nil {
		t.Fatalf("NewTelegramSender() error = nil, want error")
	}
}
