package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brackenhollow/convobridge/platform"
)

// inlineAttachments fetches supported text attachments and splices their
// bodies into content. Image attachments are never inlined; their URLs
// are collected and returned separately for the context builder. Any
// fetch failure is swallowed — the attachment is skipped and the
// original content is kept as-is.
func (e *Engine) inlineAttachments(ctx context.Context, content string, attachments []platform.Attachment) (string, []string) {
	var imageURLs []string
	maxBytes := e.Config.AttachmentMaxBytes
	if maxBytes <= 0 {
		maxBytes = 128 * 1024
	}
	timeout := time.Duration(e.Config.AttachmentFetchTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var b strings.Builder
	b.WriteString(content)

	for _, a := range attachments {
		if a.IsImage() {
			imageURLs = append(imageURLs, a.URL)
			continue
		}
		if !a.IsTextual() || a.Size > maxBytes {
			continue
		}
		body, err := fetchAttachment(ctx, a.URL, maxBytes, timeout)
		if err != nil {
			slog.Warn("attachment fetch failed, skipping", "url", a.URL, "err", err)
			continue
		}
		if strings.HasPrefix(a.ContentType, "text/html") {
			b.WriteString("\n[Attachment: ")
			b.WriteString(a.Filename)
			b.WriteString("]\n")
			b.WriteString(stripHTML(body))
			continue
		}
		b.WriteString("\n[Attachment: ")
		b.WriteString(a.Filename)
		b.WriteString("]\n")
		b.Write(body)
	}

	return b.String(), imageURLs
}

func fetchAttachment(ctx context.Context, url string, maxBytes int64, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("attachment exceeds %d byte limit", maxBytes)
	}
	return body, nil
}
