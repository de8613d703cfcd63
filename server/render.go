package server

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/webfm/webfm/internal/rootfs"
)

// markdown renderer shared by view requests
var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// viewData holds data for the file view template.
type viewData struct {
	FileName string
	Content  string // pre-rendered HTML fragment
	CSS      string // chroma stylesheet, empty for markdown and raw views
	Theme    string
	Title    string
}

// handleViewFile renders a file in the browser: markdown through the
// markdown renderer, other text through syntax highlighting, everything
// else served raw with its content type.
func (wb *Web) handleViewFile(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")

	contentType, isText := determineContentType(rel)

	if !isText {
		full := wb.Root.Resolve(rel)
		fileInfo, err := os.Stat(full)
		if err != nil || fileInfo.IsDir() {
			http.Error(w, fmt.Sprintf("file not found: %s", path.Base(rel)), http.StatusNotFound)
			return
		}
		file, err := os.Open(full) // #nosec G304 - path confined by the resolver
		if err != nil {
			http.Error(w, "error opening file", http.StatusInternalServerError)
			return
		}
		defer func() { _ = file.Close() }()

		w.Header().Set("Content-Type", contentType)
		http.ServeContent(w, r, fileInfo.Name(), fileInfo.ModTime(), file)
		return
	}

	text, err := wb.Root.Read(rel)
	if err != nil {
		switch {
		case errors.Is(err, rootfs.ErrNotFound):
			http.Error(w, fmt.Sprintf("file not found: %s", path.Base(rel)), http.StatusNotFound)
		case errors.Is(err, rootfs.ErrTooLarge):
			http.Error(w, "file too large to view", http.StatusRequestEntityTooLarge)
		default:
			log.Printf("[ERROR] failed to read %s: %v", rel, err)
			http.Error(w, "error reading file", http.StatusInternalServerError)
		}
		return
	}

	name := path.Base(rel)
	data := viewData{FileName: name, Theme: wb.Theme, Title: wb.Title}

	if ext := strings.ToLower(filepath.Ext(name)); ext == ".md" || ext == ".markdown" {
		var buf bytes.Buffer
		if err := markdown.Convert([]byte(text), &buf); err != nil {
			log.Printf("[WARN] markdown rendering of %s failed: %v", rel, err)
			data.Content = fmt.Sprintf(`<pre class="chroma">%s</pre>`, template.HTMLEscapeString(text))
		} else {
			data.Content = buf.String()
		}
	} else {
		html, css, err := highlightCode(text, name, wb.Theme)
		if err != nil {
			log.Printf("[WARN] highlighting of %s failed: %v", rel, err)
		}
		data.Content, data.CSS = html, css
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := templates.ExecuteTemplate(w, "view.html", data); err != nil {
		log.Printf("[ERROR] failed to execute view template: %v", err)
	}
}

// highlightCode applies syntax highlighting to the given code content
// and returns the HTML fragment with the matching stylesheet. Errors are
// recoverable: the escaped plain content is returned alongside them.
func highlightCode(code, filename, theme string) (fragment, css string, err error) {
	plain := fmt.Sprintf(`<div class="highlight-wrapper"><pre class="chroma">%s</pre></div>`, template.HTMLEscapeString(code))

	lexer := lexers.Get(filename)
	if lexer == nil {
		// try to detect language from content if filename doesn't help
		lexer = lexers.Analyse(code)
		if lexer == nil {
			return plain, "", nil
		}
	}

	var style *chroma.Style
	if theme == "dark" {
		style = styles.Get("monokai")
	} else {
		style = styles.Get("github")
	}

	formatter := chromahtml.New(chromahtml.WithClasses(true))

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return plain, "", err
	}

	var buf strings.Builder
	buf.WriteString(`<div class="highlight-wrapper">`)
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return plain, "", err
	}
	buf.WriteString("</div>")

	var cssBuf strings.Builder
	if err := formatter.WriteCSS(&cssBuf, style); err != nil {
		return buf.String(), "", err
	}

	return buf.String(), cssBuf.String(), nil
}

// getCommonTextExtensions returns a map of common text file extensions
func getCommonTextExtensions() map[string]bool {
	return map[string]bool{
		".yml":      true,
		".yaml":     true,
		".toml":     true,
		".ini":      true,
		".conf":     true,
		".config":   true,
		".md":       true,
		".markdown": true,
		".env":      true,
		".lock":     true,
		".go":       true,
		".py":       true,
		".js":       true,
		".ts":       true,
		".jsx":      true,
		".tsx":      true,
		".sh":       true,
		".bash":     true,
		".zsh":      true,
		".log":      true,
	}
}

// determineContentType determines the content type for a file and
// whether it should be treated as viewable text.
func determineContentType(filePath string) (contentType string, isText bool) {
	ext := filepath.Ext(filePath)
	extLower := strings.ToLower(ext)
	commonTextExtensions := getCommonTextExtensions()

	if commonTextExtensions[extLower] {
		contentType = "text/plain"
	} else {
		contentType = mime.TypeByExtension(ext)
		if contentType == "" {
			contentType = "text/plain"
		}
	}

	isText = strings.HasPrefix(contentType, "text/") ||
		strings.HasPrefix(contentType, "application/json") ||
		strings.HasPrefix(contentType, "application/xml") ||
		strings.Contains(contentType, "html") ||
		commonTextExtensions[extLower]

	return contentType, isText
}
