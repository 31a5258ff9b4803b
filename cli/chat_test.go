package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/server"
	"github.com/richinex/parley/sse"
)

type fakeServer struct {
	mu       sync.Mutex
	requests []turnRequest
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"unauthorized","message":"unknown token"}}`))
		return
	}

	var req turnRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	w.Header().Set(server.HeaderChatID, "chat-42")
	stream := sse.NewWriter(w)
	_ = stream.Send(agent.Event{Type: agent.EventThought, Content: "pondering"})
	_ = stream.Send(agent.Event{Type: agent.EventToolStart, ToolName: "get_weather"})
	if req.Regenerate {
		_ = stream.Send(agent.Event{Type: agent.EventResponse, Content: "Regenerated answer"})
		return
	}
	_ = stream.Send(agent.Event{Type: agent.EventResponse, Content: "Answer "})
	_ = stream.Send(agent.Event{Type: agent.EventResponse, Content: strings.Repeat("!", n)})
}

func (f *fakeServer) recorded() []turnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turnRequest(nil), f.requests...)
}

func TestChatSession(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	input := strings.NewReader("Hello\n\n/retry\n/new\nAgain\n/quit\nnever sent\n")
	var out bytes.Buffer

	err := Chat(context.Background(), ChatOptions{BaseURL: srv.URL + "/", Token: "secret", HTTPClient: srv.Client()}, input, &out)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	requests := fake.recorded()
	if len(requests) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(requests))
	}
	if requests[0].ID != "" || requests[0].Messages[0].Content != "Hello" {
		t.Errorf("first turn = %+v", requests[0])
	}
	if !requests[1].Regenerate || requests[1].ID != "chat-42" {
		t.Errorf("retry turn = %+v", requests[1])
	}
	if requests[2].ID != "" {
		t.Errorf("/new should reset the chat id, got %q", requests[2].ID)
	}

	rendered := out.String()
	for _, want := range []string{"pondering", "get_weather", "Answer !", "Regenerated answer", "started a new chat"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("output missing %q:\n%s", want, rendered)
		}
	}
	srv.Client().CloseIdleConnections()
}

func TestChatClientErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeServer{})
	defer srv.Close()

	var out bytes.Buffer
	client := NewChatClient(ChatOptions{BaseURL: srv.URL, Token: "wrong", HTTPClient: srv.Client()}, &out)

	err := client.Send(context.Background(), "Hi")
	if err == nil || !strings.Contains(err.Error(), "unknown token") {
		t.Errorf("expected server error message, got %v", err)
	}
	if err := client.Regenerate(context.Background()); err == nil {
		t.Error("expected error regenerating before any turn")
	}
	srv.Client().CloseIdleConnections()
}

func TestChatClientContinuesChat(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	var out bytes.Buffer
	client := NewChatClient(ChatOptions{BaseURL: srv.URL, Token: "secret", ChatID: "chat-7", HTTPClient: srv.Client()}, &out)
	if err := client.Send(context.Background(), "Next"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if fake.recorded()[0].ID != "chat-7" {
		t.Errorf("expected the configured chat id to be sent")
	}
	if client.ChatID() != "chat-42" {
		t.Errorf("ChatID() = %q", client.ChatID())
	}
	srv.Client().CloseIdleConnections()
}
