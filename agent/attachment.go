package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/richinex/parley/llm"
	"github.com/richinex/parley/model"
)

// ErrAttachmentFetch is returned when an attachment cannot be inlined.
// It aborts the turn before any model call.
var ErrAttachmentFetch = errors.New("attachment fetch failed")

// fetch downloads an attachment for inlining. data: URLs are decoded in place.
func (a *Assembler) fetch(ctx context.Context, att model.Attachment) (llm.InlineData, error) {
	data, contentType, err := a.download(ctx, att.URL)
	if err != nil {
		return llm.InlineData{}, fmt.Errorf("%w: %s: %v", ErrAttachmentFetch, attachmentName(att), err)
	}

	mimeType := mediaType(att.ContentType)
	if mimeType == "" {
		mimeType = mediaType(contentType)
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mediaType(http.DetectContentType(data))
	}
	return llm.InlineData{MIMEType: mimeType, Data: data, Name: att.Name}, nil
}

func (a *Assembler) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL, a.maxBytes)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.ContentLength > a.maxBytes {
		return nil, "", fmt.Errorf("attachment is %d bytes, limit is %d", resp.ContentLength, a.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(data)) > a.maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", a.maxBytes)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// decodeDataURL decodes data:[<mediatype>][;base64],<data>.
func decodeDataURL(rawURL string, maxBytes int64) ([]byte, string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(rawURL, "data:"), ",")
	if !ok {
		return nil, "", errors.New("malformed data URL")
	}

	var data []byte
	if strings.HasSuffix(header, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
		data = decoded
		header = strings.TrimSuffix(header, ";base64")
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("invalid data URL: %w", err)
		}
		data = []byte(unescaped)
	}

	if int64(len(data)) > maxBytes {
		return nil, "", fmt.Errorf("attachment exceeds %d bytes", maxBytes)
	}
	return data, header, nil
}

// mediaType strips parameters from a Content-Type value.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func attachmentName(att model.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	return att.URL
}
