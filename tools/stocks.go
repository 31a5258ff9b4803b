// Market Data Tools.
//
// Information Hiding:
// - Market data endpoint layout and authentication hidden
// - Symbol and range normalization hidden
//
// Both tools render their payload straight to the user and end the turn.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Display blocks for market data.
const (
	StockQuoteBlock = "stock-quote"
	StockChartBlock = "stock-chart"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-^=]{1,15}$`)

var historyRanges = []string{"5d", "1mo", "3mo", "6mo", "1y", "5y"}

// MarketClient talks to the market data HTTP API.
type MarketClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

// NewMarketClient creates a market data client.
func NewMarketClient(client *http.Client, baseURL, apiKey string) *MarketClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &MarketClient{client: client, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey}
}

func (c *MarketClient) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}
	return getJSON(ctx, c.client, c.baseURL+path+"?"+q.Encode(), header, DefaultMaxBodySize)
}

func normalizeSymbol(s string) (string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(s))
	if !symbolPattern.MatchString(symbol) {
		return "", fmt.Errorf("invalid symbol %q", s)
	}
	return symbol, nil
}

type quoteArgs struct {
	Symbol string `json:"symbol"`
}

// StockQuoteTool returns the latest quote for a ticker.
type StockQuoteTool struct {
	market *MarketClient
}

// NewStockQuoteTool creates a quote tool.
func NewStockQuoteTool(market *MarketClient) *StockQuoteTool {
	return &StockQuoteTool{market: market}
}

// Metadata returns the tool metadata.
func (t *StockQuoteTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "get_stock_quote",
		Description: "Show the latest price quote for a stock ticker symbol",
		Parameters: []ToolParameter{
			{Name: "symbol", ParamType: "string", Description: "Ticker symbol, e.g. AAPL", Required: true},
		},
	}
}

// Validate validates the arguments.
func (t *StockQuoteTool) Validate(args json.RawMessage) error {
	var a quoteArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	_, err := normalizeSymbol(a.Symbol)
	return err
}

// Execute fetches the quote.
func (t *StockQuoteTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var a quoteArgs
	if err := decodeArgs(args, &a); err != nil {
		return Failure{Err: err}, nil
	}
	symbol, err := normalizeSymbol(a.Symbol)
	if err != nil {
		return Failure{Err: err}, nil
	}

	body, err := t.market.get(ctx, "/quote", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, fmt.Errorf("quote lookup failed: %w", err)
	}
	return DataBlock{Block: StockQuoteBlock, Data: body}, nil
}

type historyArgs struct {
	Symbol string `json:"symbol"`
	Range  string `json:"range"`
}

// PriceHistoryTool returns daily closing prices for charting.
type PriceHistoryTool struct {
	market *MarketClient
}

// NewPriceHistoryTool creates a price history tool.
func NewPriceHistoryTool(market *MarketClient) *PriceHistoryTool {
	return &PriceHistoryTool{market: market}
}

// Metadata returns the tool metadata.
func (t *PriceHistoryTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "get_price_history",
		Description: "Show a price chart for a stock ticker symbol over a time range",
		Parameters: []ToolParameter{
			{Name: "symbol", ParamType: "string", Description: "Ticker symbol, e.g. MSFT", Required: true},
			{Name: "range", ParamType: "string", Description: "Time range, defaults to 1mo", Enum: historyRanges},
		},
	}
}

func (a historyArgs) normalized() (historyArgs, error) {
	symbol, err := normalizeSymbol(a.Symbol)
	if err != nil {
		return a, err
	}
	a.Symbol = symbol
	if a.Range == "" {
		a.Range = "1mo"
	}
	for _, r := range historyRanges {
		if r == a.Range {
			return a, nil
		}
	}
	return a, fmt.Errorf("invalid range %q", a.Range)
}

// Validate validates the arguments.
func (t *PriceHistoryTool) Validate(args json.RawMessage) error {
	var a historyArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	_, err := a.normalized()
	return err
}

// Execute fetches the price history.
func (t *PriceHistoryTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var a historyArgs
	if err := decodeArgs(args, &a); err != nil {
		return Failure{Err: err}, nil
	}
	a, err := a.normalized()
	if err != nil {
		return Failure{Err: err}, nil
	}

	body, err := t.market.get(ctx, "/history", url.Values{
		"symbol":   {a.Symbol},
		"range":    {a.Range},
		"interval": {"1d"},
	})
	if err != nil {
		return nil, fmt.Errorf("price history lookup failed: %w", err)
	}
	return DataBlock{Block: StockChartBlock, Data: body}, nil
}
