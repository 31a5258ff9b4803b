package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/richinex/parley/model"
)

func TestWeatherTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/forecast" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("latitude") != "52.52" || r.URL.Query().Get("longitude") != "13.41" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current":{"temperature_2m":18.5}}`))
	}))
	defer srv.Close()

	tool := NewWeatherTool(srv.Client(), srv.URL)
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"latitude":52.52,"longitude":13.41}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	generic, ok := result.(Generic)
	if !ok {
		t.Fatalf("expected Generic, got %T", result)
	}
	if generic.Block != WeatherBlock {
		t.Errorf("Block = %q", generic.Block)
	}
	if !strings.Contains(string(Payload(result)), `"temperature_2m":18.5`) {
		t.Errorf("payload = %s", Payload(result))
	}
}

func TestWeatherToolUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWeatherTool(srv.Client(), srv.URL).Execute(context.Background(), json.RawMessage(`{"latitude":1,"longitude":2}`))
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Fatalf("expected upstream status error, got %v", err)
	}
}

func TestWeatherToolRetriesOnlyServerErrors(t *testing.T) {
	tests := []struct {
		status int
		hits   int32
	}{
		{http.StatusServiceUnavailable, 2},
		{http.StatusNotFound, 1},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			executor := NewExecutor(ToolConfig{MaxAttempts: 2}, nil)
			result := executor.Execute(context.Background(), NewWeatherTool(srv.Client(), srv.URL), json.RawMessage(`{"latitude":1,"longitude":2}`))

			if result.Success() {
				t.Fatal("expected failure")
			}
			if hits.Load() != tt.hits {
				t.Errorf("upstream hits = %d, want %d", hits.Load(), tt.hits)
			}
			srv.Client().CloseIdleConnections()
		})
	}
}

func TestStockTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		switch r.URL.Path {
		case "/quote":
			_, _ = w.Write([]byte(`{"symbol":"` + r.URL.Query().Get("symbol") + `","price":187.2}`))
		case "/history":
			_, _ = w.Write([]byte(`{"symbol":"MSFT","range":"` + r.URL.Query().Get("range") + `","closes":[1,2,3]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	market := NewMarketClient(srv.Client(), srv.URL, "secret")

	quote, _ := NewStockQuoteTool(market).Execute(context.Background(), json.RawMessage(`{"symbol":" aapl "}`))
	block, ok := quote.(DataBlock)
	if !ok || block.Block != StockQuoteBlock {
		t.Fatalf("quote result = %#v", quote)
	}
	if !strings.Contains(string(Payload(quote)), `"symbol":"AAPL"`) {
		t.Errorf("symbol not normalized: %s", Payload(quote))
	}

	history, _ := NewPriceHistoryTool(market).Execute(context.Background(), json.RawMessage(`{"symbol":"MSFT"}`))
	block, ok = history.(DataBlock)
	if !ok || block.Block != StockChartBlock {
		t.Fatalf("history result = %#v", history)
	}
	if !strings.Contains(string(Payload(history)), `"range":"1mo"`) {
		t.Errorf("default range not applied: %s", Payload(history))
	}
}

func TestStockToolValidation(t *testing.T) {
	market := NewMarketClient(nil, "http://unused", "")

	tests := []struct {
		name    string
		tool    Tool
		args    string
		wantErr bool
	}{
		{"valid quote", NewStockQuoteTool(market), `{"symbol":"BRK.B"}`, false},
		{"empty symbol", NewStockQuoteTool(market), `{"symbol":""}`, true},
		{"bad symbol", NewStockQuoteTool(market), `{"symbol":"AAPL; DROP"}`, true},
		{"bad range", NewPriceHistoryTool(market), `{"symbol":"MSFT","range":"10y"}`, true},
		{"valid range", NewPriceHistoryTool(market), `{"symbol":"MSFT","range":"5d"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tool.Validate(json.RawMessage(tt.args))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestImageTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req openai.ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != openai.CreateImageModelDallE3 || req.ResponseFormat != openai.CreateImageResponseFormatB64JSON {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"b64_json":"iVBORw0KGgo=","revised_prompt":"a red fox, watercolor"}]}`))
	}))
	defer srv.Close()

	tool := NewOpenAIImageTool("sk-test", srv.URL+"/v1", "")
	result, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt":"a fox"}`))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	image, ok := result.(Image)
	if !ok {
		t.Fatalf("expected Image, got %s", Payload(result))
	}
	if image.Attachment.URL != "data:image/png;base64,iVBORw0KGgo=" {
		t.Errorf("URL = %q", image.Attachment.URL)
	}
	if image.RevisedPrompt != "a red fox, watercolor" {
		t.Errorf("RevisedPrompt = %q", image.RevisedPrompt)
	}
}

func TestWebPageTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Hello Page</title><style>p{}</style></head>
<body><script>var x = 1;</script><h1>Heading</h1><p>First   paragraph.</p><p>Second.</p></body></html>`))
	}))
	defer srv.Close()

	result, _ := NewWebPageTool(srv.Client()).Execute(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`"}`))
	payload := decodePayload(t, result)

	if payload["title"] != "Hello Page" {
		t.Errorf("title = %v", payload["title"])
	}
	text, _ := payload["text"].(string)
	if strings.Contains(text, "var x") {
		t.Errorf("script content leaked: %q", text)
	}
	if !strings.Contains(text, "First paragraph.") || !strings.Contains(text, "Heading") {
		t.Errorf("text = %q", text)
	}
}

func TestWebPageToolDomainAllowlist(t *testing.T) {
	tool := NewWebPageTool(nil).WithAllowedDomains([]string{"example.com"})

	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/a", true},
		{"https://docs.example.com/a", true},
		{"https://example.com.evil.io/a", false},
		{"https://other.org", false},
	}
	for _, tt := range tests {
		if got := tool.isDomainAllowed(tt.url); got != tt.want {
			t.Errorf("isDomainAllowed(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCatalogBuild(t *testing.T) {
	catalog := NewCatalog(NewDefaultExecutor(), nil)
	catalog.AddBundled(BackendConfig{MarketDataURL: "http://market.local"})

	tests := []struct {
		name   string
		grants []model.Grant
		want   []string
	}{
		{
			name: "no grants keeps always-on weather",
			want: []string{"get_weather"},
		},
		{
			name:   "markets grant",
			grants: []model.Grant{{Integration: IntegrationMarkets}},
			want:   []string{"get_price_history", "get_stock_quote", "get_weather"},
		},
		{
			name:   "images without key is skipped",
			grants: []model.Grant{{Integration: IntegrationImages}},
			want:   []string{"get_weather"},
		},
		{
			name:   "images with credential",
			grants: []model.Grant{{Integration: IntegrationImages, Credential: "sk-user"}},
			want:   []string{"generate_image", "get_weather"},
		},
		{
			name:   "unknown integration ignored",
			grants: []model.Grant{{Integration: "spreadsheets"}, {Integration: IntegrationWeb}},
			want:   []string{"get_weather", "read_webpage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := catalog.Build(tt.grants)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			var got []string
			for _, def := range registry.Definitions() {
				got = append(got, def.Name)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("tools = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCatalogDescribe(t *testing.T) {
	catalog := NewCatalog(NewDefaultExecutor(), nil)
	catalog.AddBundled(BackendConfig{MarketDataURL: "http://market.local"})

	if !catalog.AlwaysOn(IntegrationWeather) || catalog.AlwaysOn(IntegrationMarkets) {
		t.Error("only weather is always on")
	}

	metadata, err := catalog.Describe(IntegrationMarkets)
	if err != nil {
		t.Fatalf("Describe failed: %v", err)
	}
	if len(metadata) != 2 {
		t.Errorf("expected 2 market tools, got %d", len(metadata))
	}

	if _, err := catalog.Describe(IntegrationImages); err == nil {
		t.Error("expected error for images without a key")
	}
	if _, err := catalog.Describe("spreadsheets"); err == nil {
		t.Error("expected error for unknown integration")
	}
}
