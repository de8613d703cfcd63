package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webfm/webfm/internal/userstore"
)

func TestHandleViewFile(t *testing.T) {
	wb := newTestWeb(t)
	writeTestFile(t, wb.Root, "readme.md", "# Heading\n\nsome *markdown* text")
	writeTestFile(t, wb.Root, "main.go", "package main\n\nfunc main() {}\n")
	writeTestFile(t, wb.Root, "image.png", "\x89PNG fake bytes")

	ts := httptest.NewServer(wb.router())
	defer ts.Close()

	t.Run("markdown renders to html", func(t *testing.T) {
		resp := doAuthed(t, wb, ts, userstore.RoleUser, "GET", "/view/readme.md", nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := readBody(t, resp)
		assert.Contains(t, body, "<h1")
		assert.Contains(t, body, "<em>markdown</em>")
	})

	t.Run("source code is highlighted", func(t *testing.T) {
		resp := doAuthed(t, wb, ts, userstore.RoleUser, "GET", "/view/main.go", nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := readBody(t, resp)
		assert.Contains(t, body, "highlight-wrapper")
		assert.Contains(t, body, "chroma")
	})

	t.Run("binary served raw with its content type", func(t *testing.T) {
		resp := doAuthed(t, wb, ts, userstore.RoleUser, "GET", "/view/image.png", nil)
		defer resp.Body.Close()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(readBody(t, resp), "\x89PNG"))
	})

	t.Run("missing text file 404", func(t *testing.T) {
		resp := doAuthed(t, wb, ts, userstore.RoleUser, "GET", "/view/ghost.go", nil)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHighlightCode(t *testing.T) {
	t.Run("known language gets classes and css", func(t *testing.T) {
		html, css, err := highlightCode("package main\n", "main.go", "dark")
		require.NoError(t, err)
		assert.Contains(t, html, "highlight-wrapper")
		assert.Contains(t, html, "chroma")
		assert.NotEmpty(t, css)
	})

	t.Run("unknown content falls back to escaped plain", func(t *testing.T) {
		html, css, err := highlightCode("just a few plain words & nothing else", "file.unknownext", "light")
		require.NoError(t, err)
		assert.Contains(t, html, "plain words &amp; nothing")
		assert.Empty(t, css)
	})
}

func TestDetermineContentType(t *testing.T) {
	tbl := []struct {
		path     string
		wantText bool
	}{
		{"config.yml", true},
		{"notes.md", true},
		{"script.sh", true},
		{"data.json", true},
		{"page.html", true},
		{"photo.jpg", false},
		{"doc.pdf", false},
		{"module.wasm", false},
	}
	for _, tt := range tbl {
		t.Run(tt.path, func(t *testing.T) {
			_, isText := determineContentType(tt.path)
			assert.Equal(t, tt.wantText, isText)
		})
	}
}
