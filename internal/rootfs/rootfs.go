// Package rootfs confines every filesystem operation to a single root
// directory. All user-supplied paths go through Root.Resolve; no other
// code in this repository builds filesystem paths on its own.
package rootfs

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// MaxReadSize is the ceiling for content reads on the user-facing route.
const MaxReadSize = 10 << 20 // 10 MiB

var (
	// ErrNotFound indicates the target does not exist or is a directory
	// where a regular file is required.
	ErrNotFound = errors.New("not found")
	// ErrTooLarge indicates the file exceeds MaxReadSize.
	ErrTooLarge = errors.New("file too large")
)

// Root is the boundary directory. It is immutable after construction.
type Root struct {
	dir string
}

// New creates a Root for the given directory, made absolute. The directory
// is created if it does not exist yet.
func New(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for root directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &Root{dir: filepath.Clean(abs)}, nil
}

// Dir returns the absolute root directory.
func (r *Root) Dir() string { return r.dir }

// Resolve maps an untrusted relative path onto an absolute location under
// the root. Leading parent segments are stripped textually, the remainder
// is joined onto the root and re-cleaned, and the result must stay within
// the boundary. On violation the root itself is substituted and a warning
// is logged; callers never see an error from this function.
func (r *Root) Resolve(requested string) string {
	p := strings.TrimSpace(requested)
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	if p == "." || p == "/" {
		p = ""
	}

	// strip any leading run of parent segments before joining
	for strings.HasPrefix(p, "../") {
		p = strings.TrimPrefix(p, "../")
	}
	if p == ".." {
		p = ""
	}
	p = strings.TrimPrefix(p, "/")

	full := filepath.Clean(filepath.Join(r.dir, filepath.FromSlash(p)))
	if full != r.dir && !strings.HasPrefix(full, r.dir+string(filepath.Separator)) {
		log.Printf("[WARN] path traversal attempt detected: %q, redirecting to root", requested)
		return r.dir
	}
	return full
}

// RelPath returns the slash-separated path of abs relative to the root,
// or "" when abs is the root itself or lies outside it.
func (r *Root) RelPath(abs string) string {
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Entry represents a file or directory in a listing.
type Entry struct {
	Name         string
	SizeLabel    string // "Folder" for directories, humanized bytes otherwise
	IsDir        bool
	Path         string // slash-separated, relative to the root
	LastModified time.Time
}

// Listing is the result of listing a directory.
type Listing struct {
	Entries []Entry
	Path    string // slash-separated relative path of the listed directory
}

// List returns the annotated entries under the requested directory. When
// the directory is not the root, a synthetic ".." entry pointing at the
// parent comes first; directories sort before files, both by name. A
// missing or unreadable directory yields an empty listing, not an error.
func (r *Root) List(requested string) Listing {
	full := r.Resolve(requested)
	rel := r.RelPath(full)

	entries, err := os.ReadDir(full)
	if err != nil {
		log.Printf("[WARN] failed to read directory %s: %v", full, err)
		return Listing{Entries: []Entry{}}
	}

	list := make([]Entry, 0, len(entries)+1)
	if rel != "" {
		list = append(list, Entry{
			Name:      "..",
			SizeLabel: "Folder",
			IsDir:     true,
			Path:      r.RelPath(filepath.Dir(full)),
		})
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			log.Printf("[WARN] failed to get info for %s: %v", e.Name(), err)
			continue
		}
		label := "Folder"
		if !e.IsDir() {
			label = humanize.Bytes(uint64(info.Size())) // #nosec G115 - sizes are non-negative
		}
		list = append(list, Entry{
			Name:         e.Name(),
			SizeLabel:    label,
			IsDir:        e.IsDir(),
			Path:         path.Join(rel, e.Name()),
			LastModified: info.ModTime(),
		})
	}

	sortEntries(list)
	return Listing{Entries: list, Path: rel}
}

// sortEntries orders a listing: the ".." entry first, then directories
// before files, then case-insensitive name order.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Name == ".." {
			return true
		}
		if entries[j].Name == ".." {
			return false
		}
		if entries[i].IsDir && !entries[j].IsDir {
			return true
		}
		if !entries[i].IsDir && entries[j].IsDir {
			return false
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// Read returns the contents of a regular file under the root, rejecting
// files over MaxReadSize. Used by the user-facing content route.
func (r *Root) Read(rel string) (string, error) {
	full := r.Resolve(rel)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if info.Size() > MaxReadSize {
		return "", fmt.Errorf("%w: %s is %s", ErrTooLarge, rel, humanize.Bytes(uint64(info.Size())))
	}
	data, err := os.ReadFile(full) // #nosec G304 - path confined by Resolve
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// ReadAll is Read without the size ceiling. The admin content route uses
// it; the asymmetry with Read is deliberate and matches the documented
// behavior of the system.
func (r *Root) ReadAll(rel string) (string, error) {
	full := r.Resolve(rel)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	data, err := os.ReadFile(full) // #nosec G304 - path confined by Resolve
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// Write overwrites the full contents of an existing regular file. This is
// an edit operation: a missing target or a directory is ErrNotFound, not
// an invitation to create.
func (r *Root) Write(rel, content string) error {
	full := r.Resolve(rel)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil { // #nosec G304,G306 - path confined by Resolve
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

// Delete removes a file or directory (recursively). A missing target is
// not an error.
func (r *Root) Delete(rel string) error {
	full := r.Resolve(rel)
	if full == r.dir {
		return fmt.Errorf("refusing to delete root directory")
	}
	if _, err := os.Stat(full); err != nil {
		return nil
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to delete %s: %w", rel, err)
	}
	return nil
}

// BatchDelete removes the given items concurrently, best-effort. Items
// that no longer exist are skipped. It returns the number of items
// actually removed and a list of per-item failure descriptions; failures
// never abort the remaining deletions.
func (r *Root) BatchDelete(items []string) (deleted int, failed []string) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, item := range items {
		wg.Add(1)
		go func(item string) {
			defer wg.Done()
			full := r.Resolve(item)
			if full == r.dir {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: refusing to delete root directory", item))
				mu.Unlock()
				return
			}
			if _, err := os.Stat(full); err != nil {
				return // already gone
			}
			if err := os.RemoveAll(full); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Sprintf("%s: %v", item, err))
				mu.Unlock()
				return
			}
			mu.Lock()
			deleted++
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return deleted, failed
}
