package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/brackenhollow/convobridge/platform"
)

func TestStripHTML(t *testing.T) {
	body := []byte(`<html><head><style>body{color:red}</style></head>
<body>
<nav>Navigation stuff</nav>
<script>var x = 1;</script>
<h1>Hello World</h1>
<p>This is a <strong>test</strong> paragraph.</p>
<footer>Footer content</footer>
</body></html>`)

	text := stripHTML(body)

	assert.Contains(t, text, "Hello World")
	assert.Contains(t, text, "test paragraph")
	assert.NotContains(t, text, "Navigation stuff")
	assert.NotContains(t, text, "var x = 1")
	assert.NotContains(t, text, "Footer content")
	assert.NotContains(t, text, "color:red")
}

func TestStripHTMLNestedSkipTags(t *testing.T) {
	body := []byte(`<html><body><nav><aside>ad content</aside>nav content</nav>visible text</body></html>`)

	text := stripHTML(body)

	assert.NotContains(t, text, "ad content")
	assert.NotContains(t, text, "nav content")
	assert.Contains(t, text, "visible text")
}

func TestStripHTMLSelfClosingSkipTag(t *testing.T) {
	body := []byte(`<html><body><p>before</p><svg/><p>after</p></body></html>`)

	text := stripHTML(body)

	assert.Contains(t, text, "before")
	assert.Contains(t, text, "after")
}

func TestStripHTMLKeepsLinkTargets(t *testing.T) {
	body := []byte(`<html><body><p>See the <a href="https://example.com/docs">documentation</a> for details.</p></body></html>`)

	text := stripHTML(body)

	assert.Contains(t, text, "documentation (https://example.com/docs)")
	assert.Contains(t, text, "for details")
}

func TestInlineAttachmentsStripsHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><script>ignore()</script><p>Readable body text.</p></body></html>`))
	}))
	defer server.Close()

	e := newTestEngine(t, "bot1", "Bot")
	content, imageURLs := e.inlineAttachments(context.Background(), "caller said hi", []platform.Attachment{
		{URL: server.URL, Filename: "notes.html", ContentType: "text/html", Size: 200},
	})

	assert.Empty(t, imageURLs)
	assert.Contains(t, content, "Readable body text.")
	assert.NotContains(t, content, "<script>")
	assert.NotContains(t, content, "ignore()")
}
