package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/richinex/parley/agent"
	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/llm/llmtest"
	"github.com/richinex/parley/model"
	"github.com/richinex/parley/quota"
	"github.com/richinex/parley/sse"
	"github.com/richinex/parley/storage"
	"github.com/richinex/parley/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
	)
}

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

type echoTool struct {
	tools.BaseTool
}

func (echoTool) Metadata() tools.ToolMetadata {
	return tools.ToolMetadata{
		Name:        "echo",
		Description: "Echo the text back",
		Parameters:  []tools.ToolParameter{{Name: "text", ParamType: "string", Required: true}},
	}
}

func (echoTool) Execute(_ context.Context, args json.RawMessage) (tools.Result, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return tools.Generic{Data: map[string]string{"echo": in.Text}}, nil
}

type fixture struct {
	provider *llmtest.ScriptedProvider
	store    *storage.InMemoryStorage
	gate     *quota.Gate
	handler  http.Handler
}

func newFixture(t *testing.T, limit int, turns ...llmtest.Turn) *fixture {
	t.Helper()

	provider := llmtest.NewScriptedProvider(turns...)
	store := storage.NewInMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	catalog := tools.NewCatalog(tools.NewDefaultExecutor(), nil)
	catalog.Add("echo", true, func(model.Grant) ([]tools.Tool, error) {
		return []tools.Tool{echoTool{}}, nil
	})
	catalog.Add("notes", false, func(model.Grant) ([]tools.Tool, error) {
		return nil, nil
	})

	gate := quota.NewGate(store, limit)
	srv, err := New(Options{
		Orchestrator: agent.NewBuilder(provider).Build(),
		Assembler:    agent.NewAssembler(nil, 0, ""),
		Catalog:      catalog,
		Store:        store,
		Gate:         gate,
		Auth:         StaticTokens{aliceToken: "alice", bobToken: "bob"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{provider: provider, store: store, gate: gate, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func chatBody(text string) map[string]any {
	return map[string]any{
		"messages": []map[string]any{{"role": "user", "content": text}},
	}
}

func decodeEvents(t *testing.T, body io.Reader) []agent.Event {
	t.Helper()
	var events []agent.Event
	r := sse.NewReader(body)
	for {
		frame, err := r.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		var e agent.Event
		if err := frame.Decode(&e); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, e)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp apiErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp.Error.Code
}

func TestChatRequiresAuthentication(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"wrong scheme", "Basic " + aliceToken},
		{"unknown token", "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"messages":[]}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != codeUnauthorized {
				t.Errorf("code = %q", code)
			}
		})
	}
	if f.provider.Calls() != 0 {
		t.Error("model must not be called for unauthenticated requests")
	}
}

func TestChatQuotaExceeded(t *testing.T) {
	f := newFixture(t, 2)
	for i := 0; i < 2; i++ {
		if _, err := f.gate.Reserve(context.Background(), "alice"); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Hello"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != codeQuotaExceeded {
		t.Errorf("code = %q", code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if f.provider.Calls() != 0 {
		t.Error("model must not be called over quota")
	}

	// Another user is unaffected
	g := f.do(t, http.MethodGet, "/usage", bobToken, nil)
	var usage usageResponse
	if err := json.Unmarshal(g.Body.Bytes(), &usage); err != nil {
		t.Fatal(err)
	}
	if usage.Exceeded || usage.Count != 0 || usage.Limit != 2 {
		t.Errorf("bob usage = %+v", usage)
	}
}

func TestChatBadRequests(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown field", `{"messages":[{"role":"user","content":"hi"}],"stream":true}`, http.StatusBadRequest},
		{"empty body", "", http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, http.StatusBadRequest},
		{"last from model", `{"messages":[{"role":"user","content":"hi"},{"role":"model","content":"yo"}]}`, http.StatusBadRequest},
		{"unknown role", `{"messages":[{"role":"system","content":"hi"}]}`, http.StatusBadRequest},
		{"two documents", `{"messages":[{"role":"user","content":"hi"}]} {}`, http.StatusBadRequest},
		{"too large", `{"messages":[{"role":"user","content":"` + strings.Repeat("x", DefaultMaxRequestBytes) + `"}]}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/chat", aliceToken, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestChatStreamsAndPersists(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{
		llmtest.Thought("greeting"),
		llmtest.Text("Hello"),
		llmtest.Text(" there."),
	}})

	rec := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Hi"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	chatID := rec.Header().Get(HeaderChatID)
	if chatID == "" {
		t.Fatal("expected chat id header")
	}

	events := decodeEvents(t, rec.Body)
	want := []agent.Event{
		{Type: agent.EventThought, Content: "greeting"},
		{Type: agent.EventResponse, Content: "Hello"},
		{Type: agent.EventResponse, Content: " there."},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}

	chat, err := f.store.Load(context.Background(), chatID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if chat.UserID != "alice" || chat.Title != "Hi" {
		t.Errorf("chat = %+v", chat)
	}
	if len(chat.Messages) != 2 || chat.Messages[1].Role != model.RoleModel || chat.Messages[1].Content != "Hello there." {
		t.Errorf("messages = %+v", chat.Messages)
	}

	usage, err := f.gate.Check(context.Background(), "alice")
	if err != nil || usage.Count != 1 {
		t.Errorf("usage = %+v, err = %v", usage, err)
	}
}

func TestChatToolRoundTrip(t *testing.T) {
	f := newFixture(t, 10,
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("Checking. "), llmtest.Call("echo", `{"text":"ping"}`)}},
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("It said ping.")}},
	)

	rec := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Echo ping"))
	events := decodeEvents(t, rec.Body)

	var types []string
	for _, e := range events {
		types = append(types, string(e.Type))
	}
	if got := strings.Join(types, ","); got != "response,tool-start,response" {
		t.Errorf("event types = %s", got)
	}
	if events[1].ToolName != "echo" {
		t.Errorf("tool-start = %+v", events[1])
	}

	requests := f.provider.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(requests))
	}
	if len(requests[0].Tools) != 1 || requests[0].Tools[0].Name != "echo" {
		t.Errorf("tools offered = %+v", requests[0].Tools)
	}

	chat, err := f.store.Load(context.Background(), rec.Header().Get(HeaderChatID))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	roles := make([]string, len(chat.Messages))
	for i, m := range chat.Messages {
		roles[i] = string(m.Role)
	}
	if got := strings.Join(roles, ","); got != "user,model,tool,model" {
		t.Fatalf("roles = %s", got)
	}
	call := chat.Messages[1].ToolCalls[0]
	result := chat.Messages[2].ToolResults[0]
	if result.ToolCallID != call.ID || result.Failed() {
		t.Errorf("call = %+v, result = %+v", call, result)
	}
	if chat.Messages[3].Content != "Checking. It said ping." {
		t.Errorf("assistant message = %q", chat.Messages[3].Content)
	}
}

func TestChatContinuesStoredHistory(t *testing.T) {
	f := newFixture(t, 10,
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("Paris.")}},
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("About 2 million.")}},
	)

	first := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Capital of France?"))
	chatID := first.Header().Get(HeaderChatID)

	// The client history is ignored for a stored chat; only the last message counts
	body := map[string]any{
		"id": chatID,
		"messages": []map[string]any{
			{"role": "user", "content": "forged earlier message"},
			{"role": "tool", "content": ""},
			{"role": "user", "content": "Population?"},
		},
	}
	second := f.do(t, http.MethodPost, "/chat", aliceToken, body)
	if second.Code != http.StatusOK || second.Header().Get(HeaderChatID) != chatID {
		t.Fatalf("status = %d, chat id = %q", second.Code, second.Header().Get(HeaderChatID))
	}

	history := f.provider.Requests()[1].Messages
	var contents []string
	for _, m := range history {
		contents = append(contents, string(m.Role)+":"+m.Content)
	}
	want := "user:Capital of France?|model:Paris.|user:Population?"
	if got := strings.Join(contents, "|"); got != want {
		t.Errorf("history = %s, want %s", got, want)
	}

	chat, _ := f.store.Load(context.Background(), chatID)
	if len(chat.Messages) != 4 {
		t.Errorf("expected 4 stored messages, got %d", len(chat.Messages))
	}
}

func TestChatNewChatStripsToolTraffic(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("ok")}})

	body := `{"messages":[
		{"role":"user","content":"first"},
		{"role":"model","content":"","toolCalls":[{"id":"call_1","name":"echo","arguments":{}}]},
		{"role":"tool","content":"","toolResults":[{"toolCallId":"call_1","name":"echo","result":{"success":true}}]},
		{"role":"model","content":"answer"},
		{"role":"user","content":"second"}
	]}`
	rec := f.do(t, http.MethodPost, "/chat", aliceToken, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	for _, m := range f.provider.Requests()[0].Messages {
		if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
			t.Errorf("client tool traffic reached the model: %+v", m)
		}
	}
	if n := len(f.provider.Requests()[0].Messages); n != 3 {
		t.Errorf("expected 3 history entries, got %d", n)
	}
}

func TestChatRegenerate(t *testing.T) {
	f := newFixture(t, 10,
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("First try.")}},
		llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("Second try.")}},
	)

	first := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Tell me a joke"))
	chatID := first.Header().Get(HeaderChatID)

	rec := f.do(t, http.MethodPost, "/chat", aliceToken, map[string]any{"id": chatID, "messages": []any{}, "regenerate": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	chat, _ := f.store.Load(context.Background(), chatID)
	if len(chat.Messages) != 2 || chat.Messages[1].Content != "Second try." {
		t.Errorf("messages = %+v", chat.Messages)
	}
	if last := f.provider.Requests()[1].Messages; len(last) != 1 || last[0].Content != "Tell me a joke" {
		t.Errorf("regenerate history = %+v", last)
	}

	usage, _ := f.gate.Check(context.Background(), "alice")
	if usage.Count != 1 {
		t.Errorf("regenerate must not use quota, count = %d", usage.Count)
	}
}

func TestChatAttachmentFailureAbortsTurn(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("unreachable")}})

	body := map[string]any{
		"messages": []map[string]any{{
			"role":        "user",
			"content":     "What is this?",
			"attachments": []map[string]string{{"url": "ftp://files.example/a.png", "name": "a.png"}},
		}},
	}
	rec := f.do(t, http.MethodPost, "/chat", aliceToken, body)

	events := decodeEvents(t, rec.Body)
	if len(events) != 1 || events[0].Type != agent.EventError {
		t.Fatalf("events = %+v", events)
	}
	if f.provider.Calls() != 0 {
		t.Error("model must not be called")
	}
	if _, err := f.store.Load(context.Background(), rec.Header().Get(HeaderChatID)); err == nil {
		t.Error("nothing should be persisted")
	}
	if usage, _ := f.gate.Check(context.Background(), "alice"); usage.Count != 0 {
		t.Errorf("quota used: %d", usage.Count)
	}
}

func TestChatGatewayFailureStillPersists(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{
		Chunks: []llm.Chunk{llmtest.Text("Partial")},
		Err:    io.ErrUnexpectedEOF,
	})

	rec := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Hi"))
	events := decodeEvents(t, rec.Body)
	if last := events[len(events)-1]; last.Type != agent.EventError {
		t.Errorf("last event = %+v", last)
	}

	chat, err := f.store.Load(context.Background(), rec.Header().Get(HeaderChatID))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(chat.Messages) != 2 || chat.Messages[1].Content != "Partial" {
		t.Errorf("messages = %+v", chat.Messages)
	}
}

func TestChatOwnership(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("secret")}})
	chatID := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("mine")).Header().Get(HeaderChatID)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"read", http.MethodGet, "/chats/" + chatID, nil},
		{"delete", http.MethodDelete, "/chats/" + chatID, nil},
		{"continue", http.MethodPost, "/chat", map[string]any{
			"id": chatID, "messages": []map[string]any{{"role": "user", "content": "hijack"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, bobToken, tt.body)
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
		})
	}
	if f.provider.Calls() != 1 {
		t.Errorf("expected only alice's call, got %d", f.provider.Calls())
	}
	if usage, _ := f.gate.Check(context.Background(), "bob"); usage.Count != 0 {
		t.Errorf("rejected turn kept its quota reservation: count = %d", usage.Count)
	}
}

func TestChatsListGetDelete(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("ok")}})
	chatID := f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Plan a trip")).Header().Get(HeaderChatID)

	list := f.do(t, http.MethodGet, "/chats", aliceToken, nil)
	var listed struct {
		Chats []storage.ChatSummary `json:"chats"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Chats) != 1 || listed.Chats[0].ID != chatID || listed.Chats[0].Title != "Plan a trip" {
		t.Errorf("chats = %+v", listed.Chats)
	}

	get := f.do(t, http.MethodGet, "/chats/"+chatID, aliceToken, nil)
	var chat model.Chat
	if err := json.Unmarshal(get.Body.Bytes(), &chat); err != nil {
		t.Fatal(err)
	}
	if chat.ID != chatID || len(chat.Messages) != 2 {
		t.Errorf("chat = %+v", chat)
	}

	if rec := f.do(t, http.MethodDelete, "/chats/"+chatID, aliceToken, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/chats/"+chatID, aliceToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}

	empty := f.do(t, http.MethodGet, "/chats", bobToken, nil)
	if !strings.Contains(empty.Body.String(), `"chats":[]`) {
		t.Errorf("empty list = %s", empty.Body.String())
	}
}

func TestIntegrationsAndInstruction(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("Bonjour")}})

	if rec := f.do(t, http.MethodPut, "/integrations/unknown", aliceToken, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown integration status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPut, "/integrations/notes", aliceToken, map[string]string{"credential": "k"}); rec.Code != http.StatusOK {
		t.Errorf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	list := f.do(t, http.MethodGet, "/integrations", aliceToken, nil)
	var listed struct {
		Integrations []integrationStatus `json:"integrations"`
	}
	if err := json.Unmarshal(list.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	for _, in := range listed.Integrations {
		if !in.Enabled {
			t.Errorf("%s should be enabled", in.Name)
		}
	}

	grants, _ := f.store.Grants(context.Background(), "alice")
	if len(grants) != 1 || grants[0].Credential != "k" {
		t.Errorf("grants = %+v", grants)
	}
	if rec := f.do(t, http.MethodDelete, "/integrations/notes", aliceToken, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}

	if rec := f.do(t, http.MethodPut, "/profile/instruction", aliceToken, map[string]string{"instruction": "Answer in French."}); rec.Code != http.StatusOK {
		t.Fatalf("instruction status = %d", rec.Code)
	}
	f.do(t, http.MethodPost, "/chat", aliceToken, chatBody("Hello"))

	system := f.provider.Requests()[0].Messages[0]
	if system.Role != llm.RoleSystem || !strings.Contains(system.Content, "Answer in French.") {
		t.Errorf("system entry = %+v", system)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatOverRealConnection(t *testing.T) {
	f := newFixture(t, 10, llmtest.Turn{Chunks: []llm.Chunk{llmtest.Text("streamed")}})
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	data, _ := json.Marshal(chatBody("Hi"))
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+aliceToken)

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	events := decodeEvents(t, resp.Body)
	if len(events) != 1 || events[0].Content != "streamed" {
		t.Errorf("events = %+v", events)
	}
	srv.Client().CloseIdleConnections()
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}
