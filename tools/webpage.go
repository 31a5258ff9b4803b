// Web Page Reader Tool.
//
// Information Hiding:
// - HTTP client implementation details hidden
// - HTML parsing and text extraction hidden
// - Domain allowlisting hidden

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// defaultMaxPageChars bounds the text returned to the model.
const defaultMaxPageChars = 12000

// WebPageTool fetches a page and returns its readable text.
type WebPageTool struct {
	client         *http.Client
	maxChars       int
	allowedDomains []string
}

// NewWebPageTool creates a web page reader.
func NewWebPageTool(client *http.Client) *WebPageTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebPageTool{client: client, maxChars: defaultMaxPageChars}
}

// WithAllowedDomains sets the allowed domains for requests.
func (t *WebPageTool) WithAllowedDomains(domains []string) *WebPageTool {
	t.allowedDomains = domains
	return t
}

// Metadata returns the tool metadata.
func (t *WebPageTool) Metadata() ToolMetadata {
	return ToolMetadata{
		Name:        "read_webpage",
		Description: "Fetch a web page over HTTP(S) and return its title and readable text",
		Parameters: []ToolParameter{
			{Name: "url", ParamType: "string", Description: "Absolute http or https URL", Required: true},
		},
	}
}

type webPageArgs struct {
	URL string `json:"url"`
}

// Validate validates the arguments.
func (t *WebPageTool) Validate(args json.RawMessage) error {
	var a webPageArgs
	if err := decodeArgs(args, &a); err != nil {
		return err
	}
	if a.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	u, err := url.Parse(a.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid URL %q", a.URL)
	}
	return nil
}

// Execute fetches the page and extracts its text.
func (t *WebPageTool) Execute(ctx context.Context, args json.RawMessage) (Result, error) {
	var a webPageArgs
	if err := decodeArgs(args, &a); err != nil {
		return Failure{Err: err}, nil
	}
	if !t.isDomainAllowed(a.URL) {
		return Fail("access to domain in '%s' is not allowed", a.URL), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return Failure{Err: fmt.Errorf("failed to create request: %w", err)}, nil
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body := io.LimitReader(resp.Body, DefaultMaxBodySize)
	title, text := "", ""
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		title, text, err = extractText(body)
	} else {
		var raw []byte
		raw, err = io.ReadAll(body)
		text = string(raw)
	}
	if err != nil {
		return Failure{Err: fmt.Errorf("failed to read page: %w", err)}, nil
	}

	truncated := false
	if runes := []rune(text); len(runes) > t.maxChars {
		text = string(runes[:t.maxChars])
		truncated = true
	}

	return Generic{Data: map[string]interface{}{
		"url":       a.URL,
		"title":     title,
		"text":      text,
		"truncated": truncated,
	}}, nil
}

// extractText walks the HTML tree collecting the title and visible text.
func extractText(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var title string
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "svg", "head":
				if n.Data == "head" {
					title = findTitle(n)
				}
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr", "section", "article":
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				b.WriteString(s)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, collapseLines(b.String()), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func collapseLines(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// isDomainAllowed checks if the URL's domain is in the allowlist.
// Uses proper URL parsing to prevent bypass attacks.
func (t *WebPageTool) isDomainAllowed(urlStr string) bool {
	if len(t.allowedDomains) == 0 {
		return true
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	host := u.Hostname()
	for _, domain := range t.allowedDomains {
		// Exact match or subdomain match
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
