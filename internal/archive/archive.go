// Package archive creates zip archives from selected items and extracts
// recognized archive files (zip, tar, tar.gz, tgz) next to their source.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/webfm/webfm/internal/rootfs"
)

var (
	// ErrNotFound indicates the archive source is missing or a directory.
	ErrNotFound = errors.New("archive not found")
	// ErrUnsupportedFormat indicates an unrecognized archive extension.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// Manager performs archive operations confined to a root boundary.
type Manager struct {
	root *rootfs.Root
}

// New creates a Manager over the given root.
func New(root *rootfs.Root) *Manager {
	return &Manager{root: root}
}

// Create writes a zip archive of the given items into the directory named
// by dir. Items that do not exist are skipped silently; each archived
// entry is named by its path relative to dir. The archive file is named
// archive_<unixMillis>.zip. The returned count is the number of requested
// items, even when some were skipped.
func (m *Manager) Create(items []string, dir string) (archivePath string, count int, err error) {
	dirFull := m.root.Resolve(dir)
	name := fmt.Sprintf("archive_%d.zip", time.Now().UnixMilli())
	full := filepath.Join(dirFull, name)

	out, err := os.Create(full) // #nosec G304 - path confined by Resolve
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive file: %w", err)
	}
	zw := zip.NewWriter(out)

	for _, item := range items {
		itemFull := m.root.Resolve(item)
		info, statErr := os.Stat(itemFull)
		if statErr != nil {
			continue // skip missing items, count stays on requested total
		}

		entryName, relErr := filepath.Rel(dirFull, itemFull)
		if relErr != nil || strings.HasPrefix(entryName, "..") {
			entryName = filepath.Base(itemFull)
		}
		entryName = filepath.ToSlash(entryName)

		if info.IsDir() {
			err = m.addDirectory(zw, itemFull, entryName)
		} else {
			err = m.addFile(zw, itemFull, entryName)
		}
		if err != nil {
			_ = zw.Close()
			_ = out.Close()
			return "", 0, fmt.Errorf("failed to add %s to archive: %w", item, err)
		}
	}

	if err := zw.Close(); err != nil {
		_ = out.Close()
		return "", 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close archive file: %w", err)
	}
	return m.root.RelPath(full), len(items), nil
}

// addFile adds a single file to the zip under the given entry name.
func (m *Manager) addFile(zw *zip.Writer, filePath, entryName string) error {
	file, err := os.Open(filePath) // #nosec G304 - path confined by Resolve
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file stats: %w", err)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header: %w", err)
	}
	header.Name = entryName
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}
	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to write file to zip: %w", err)
	}
	return nil
}

// addDirectory recursively adds a directory tree to the zip, preserving
// structure under the given entry prefix.
func (m *Manager) addDirectory(zw *zip.Writer, dirPath, entryPrefix string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("failed to read directory: %w", err)
	}

	if _, err := zw.Create(entryPrefix + "/"); err != nil {
		return fmt.Errorf("failed to create directory entry: %w", err)
	}

	for _, entry := range entries {
		entryPath := filepath.Join(dirPath, entry.Name())
		entryName := entryPrefix + "/" + entry.Name()

		if entry.IsDir() {
			if err := m.addDirectory(zw, entryPath, entryName); err != nil {
				return err
			}
			continue
		}
		if err := m.addFile(zw, entryPath, entryName); err != nil {
			return err
		}
	}
	return nil
}

// Extract unpacks a recognized archive into a sibling directory named by
// stripping the archive extension from the basename. Existing files are
// overwritten. It returns a human-readable message naming source and
// destination.
func (m *Manager) Extract(name string) (string, error) {
	full := m.root.Resolve(name)
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	base := filepath.Base(full)
	lower := strings.ToLower(base)

	var stripped string
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		stripped = base[:len(base)-len(".tar.gz")]
	case strings.HasSuffix(lower, ".tgz"):
		stripped = base[:len(base)-len(".tgz")]
	case strings.HasSuffix(lower, ".tar"):
		stripped = base[:len(base)-len(".tar")]
	case strings.HasSuffix(lower, ".zip"):
		stripped = base[:len(base)-len(".zip")]
	default:
		ext := filepath.Ext(base)
		if ext == "" {
			ext = "unknown"
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	dest := filepath.Join(filepath.Dir(full), stripped)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	switch {
	case strings.HasSuffix(lower, ".zip"):
		if err := extractZip(full, dest); err != nil {
			return "", fmt.Errorf("zip extraction failed: %w", err)
		}
		return fmt.Sprintf("ZIP: %s extracted to %s", base, filepath.Base(dest)), nil
	default:
		if err := extractTar(full, dest, strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".tgz")); err != nil {
			return "", fmt.Errorf("tar extraction failed: %w", err)
		}
		return fmt.Sprintf("TAR: %s extracted to %s", base, filepath.Base(dest)), nil
	}
}

// securePath joins an archive entry name onto the destination and rejects
// entries that would escape it.
func securePath(dest, entryName string) (string, error) {
	p := filepath.Join(dest, filepath.FromSlash(entryName))
	p = filepath.Clean(p)
	if p != dest && !strings.HasPrefix(p, dest+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes extraction directory", entryName)
	}
	return p, nil
}

func extractZip(src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = reader.Close() }()

	for _, f := range reader.File {
		target, err := securePath(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry: %w", err)
		}
		if err := writeEntry(target, rc); err != nil {
			_ = rc.Close()
			return err
		}
		_ = rc.Close()
	}
	return nil
}

func extractTar(src, dest string, gzipped bool) error {
	file, err := os.Open(src) // #nosec G304 - path confined by Resolve
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if gzipped {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := writeEntry(target, tr); err != nil {
				return err
			}
		default:
			log.Printf("[WARN] skipping unsupported tar entry type %d: %s", hdr.Typeflag, hdr.Name)
		}
	}
}

// writeEntry writes a single extracted file, overwriting any existing one.
func writeEntry(target string, src io.Reader) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) // #nosec G304 - confined by securePath
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil { // #nosec G110 - trusted source dir, bounded by disk
		_ = out.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
