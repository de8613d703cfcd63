package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/webfm/webfm/internal/rootfs"
	"github.com/webfm/webfm/internal/userstore"
)

// dashboardData holds everything the dashboard template renders.
type dashboardData struct {
	Listing   rootfs.Listing
	PathParts []map[string]string
	IsAdmin   bool
	Users     []userstore.User // populated for admins only
	Theme     string
	Title     string
	Version   string
	Message   string
}

// handleDashboard renders the directory listing page. Admins also get
// the account table and the batch operation controls.
func (wb *Web) handleDashboard(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	listing := wb.Root.List(r.URL.Query().Get("path"))

	data := dashboardData{
		Listing:   listing,
		PathParts: getPathParts(listing.Path),
		IsAdmin:   id.IsAdmin(),
		Theme:     wb.Theme,
		Title:     wb.Title,
		Version:   wb.Version,
		Message:   r.URL.Query().Get("msg"),
	}

	if id.IsAdmin() {
		users, err := wb.Store.List()
		if err != nil {
			log.Printf("[ERROR] failed to list users: %v", err)
			http.Error(w, "failed to load accounts", http.StatusInternalServerError)
			return
		}
		data.Users = users
	}

	if err := templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		http.Error(w, "template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}

// handleDownload serves file downloads; directories bounce back to the
// dashboard view of that directory.
func (wb *Web) handleDownload(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	full := wb.Root.Resolve(rel)
	log.Printf("[DEBUG] download request for: %s", rel)

	fileInfo, err := os.Stat(full)
	if err != nil {
		http.Error(w, fmt.Sprintf("file not found: %s", path.Base(rel)), http.StatusNotFound)
		return
	}

	if fileInfo.IsDir() {
		http.Redirect(w, r, "/dashboard?path="+wb.Root.RelPath(full), http.StatusSeeOther)
		return
	}

	file, err := os.Open(full) // #nosec G304 - path confined by the resolver
	if err != nil {
		http.Error(w, "error opening file", http.StatusInternalServerError)
		return
	}
	defer func() { _ = file.Close() }()

	// force all files to download instead of being displayed in browser
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileInfo.Name()))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", fileInfo.Size()))

	http.ServeContent(w, r, fileInfo.Name(), fileInfo.ModTime(), file)
}

// handleUserGetContent returns file text with the read ceiling applied.
func (wb *Web) handleUserGetContent(w http.ResponseWriter, r *http.Request) {
	text, err := wb.Root.Read(r.PathValue("path"))
	if err != nil {
		switch {
		case errors.Is(err, rootfs.ErrNotFound):
			wb.writeJSONError(w, http.StatusNotFound, "file not found")
		case errors.Is(err, rootfs.ErrTooLarge):
			wb.writeJSONError(w, http.StatusRequestEntityTooLarge, "file too large to open")
		default:
			log.Printf("[ERROR] failed to read %s: %v", r.PathValue("path"), err)
			wb.writeJSONError(w, http.StatusInternalServerError, "error reading file")
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

// handleAdminGetContent returns file text without the read ceiling.
func (wb *Web) handleAdminGetContent(w http.ResponseWriter, r *http.Request) {
	text, err := wb.Root.ReadAll(r.PathValue("path"))
	if err != nil {
		if errors.Is(err, rootfs.ErrNotFound) {
			wb.writeJSONError(w, http.StatusNotFound, "file not found")
			return
		}
		log.Printf("[ERROR] failed to read %s: %v", r.PathValue("path"), err)
		wb.writeJSONError(w, http.StatusInternalServerError, "error reading file")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(text))
}

// handleUserEdit overwrites an existing file with the submitted content.
func (wb *Web) handleUserEdit(w http.ResponseWriter, r *http.Request) {
	wb.editFile(w, r)
}

// handleAdminEdit is the admin variant of the same operation.
func (wb *Web) handleAdminEdit(w http.ResponseWriter, r *http.Request) {
	wb.editFile(w, r)
}

func (wb *Web) editFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	rel := r.PathValue("path")
	if err := wb.Root.Write(rel, r.FormValue("fileContent")); err != nil {
		if errors.Is(err, rootfs.ErrNotFound) {
			http.Error(w, fmt.Sprintf("file not found: %s", path.Base(rel)), http.StatusNotFound)
			return
		}
		log.Printf("[ERROR] failed to save %s: %v", rel, err)
		http.Error(w, "error saving file", http.StatusInternalServerError)
		return
	}

	log.Printf("[INFO] saved file %s", rel)
	http.Redirect(w, r, "/dashboard?path="+parentOf(rel), http.StatusSeeOther)
}

// handleDelete removes a single file or directory tree.
func (wb *Web) handleDelete(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	if err := wb.Root.Delete(rel); err != nil {
		log.Printf("[ERROR] failed to delete %s: %v", rel, err)
		http.Error(w, "error deleting item", http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] deleted %s", rel)
	http.Redirect(w, r, "/dashboard?path="+parentOf(rel), http.StatusSeeOther)
}

// handleExtract unpacks an archive into its sibling directory. Failures
// render JSON or HTML depending on what the client accepts.
func (wb *Web) handleExtract(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")

	msg, err := wb.Archives.Extract(rel)
	if err != nil {
		log.Printf("[WARN] extraction of %s failed: %v", rel, err)
		if wantsJSON(r) {
			wb.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("extraction failed: %v", err))
			return
		}
		wb.renderErrorPage(w, http.StatusInternalServerError,
			fmt.Sprintf("extraction failed: %v", err), "/dashboard?path="+parentOf(rel))
		return
	}

	log.Printf("[INFO] %s", msg)
	http.Redirect(w, r, "/dashboard?path="+parentOf(rel), http.StatusSeeOther)
}

// handleAPIList returns a directory listing as JSON, with optional
// re-sorting by name or date ("-" prefix for descending).
func (wb *Web) handleAPIList(w http.ResponseWriter, r *http.Request) {
	listing := wb.Root.List(r.URL.Query().Get("path"))

	if sortParam := r.URL.Query().Get("sort"); sortParam != "" {
		sortListing(listing.Entries, sortParam)
	}

	w.Header().Set("Content-Type", "application/json")
	resp := struct {
		Path    string         `json:"path"`
		Entries []rootfs.Entry `json:"entries"`
	}{Path: listing.Path, Entries: listing.Entries}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[ERROR] failed to encode listing: %v", err)
	}
}

// sortListing re-sorts the listing by "name" or "date", descending with
// a "-" prefix. The parent entry stays first and directories stay before
// files regardless of the sort field.
func sortListing(entries []rootfs.Entry, sortParam string) {
	desc := strings.HasPrefix(sortParam, "-")
	field := strings.TrimPrefix(sortParam, "-")

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name == ".." {
			return true
		}
		if entries[j].Name == ".." {
			return false
		}
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}

		var result bool
		switch field {
		case "date":
			result = entries[i].LastModified.Before(entries[j].LastModified)
		default:
			result = strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
		}
		if desc {
			result = !result
		}
		return result
	})
}

// errorPageData holds data for the HTML error page.
type errorPageData struct {
	Message string
	BackURL string
	Theme   string
	Title   string
}

// renderErrorPage writes an HTML error page with a link back to the
// dashboard, for browser clients that didn't ask for JSON.
func (wb *Web) renderErrorPage(w http.ResponseWriter, status int, msg, backURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := errorPageData{Message: msg, BackURL: backURL, Theme: wb.Theme, Title: wb.Title}
	if err := templates.ExecuteTemplate(w, "error.html", data); err != nil {
		log.Printf("[ERROR] failed to render error page: %v", err)
	}
}

// writeJSONError writes a JSON error response with the specified status code
func (wb *Web) writeJSONError(w http.ResponseWriter, status int, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": errMsg}); err != nil {
		log.Printf("[ERROR] failed to encode error response: %v", err)
	}
}

// parentOf returns the containing directory of a relative path, empty at
// the top level.
func parentOf(rel string) string {
	parent := path.Dir(strings.Trim(rel, "/"))
	if parent == "." || parent == "/" {
		return ""
	}
	return parent
}

// getPathParts splits a path into parts for breadcrumb navigation
func getPathParts(p string) []map[string]string {
	if p == "" || p == "." {
		return []map[string]string{}
	}

	parts := strings.Split(strings.Trim(p, "/"), "/")
	result := make([]map[string]string, 0, len(parts))

	var currentPath string
	for _, part := range parts {
		if part == "" {
			continue
		}
		if currentPath == "" {
			currentPath = part
		} else {
			currentPath = currentPath + "/" + part
		}
		result = append(result, map[string]string{
			"Name": part,
			"Path": currentPath,
		})
	}

	return result
}
