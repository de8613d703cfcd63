package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// uploadError is an error type that carries an HTTP status code
type uploadError struct {
	status int
	msg    string
}

func (e *uploadError) Error() string { return e.msg }

// uploadMaxSize bounds a single upload request body.
const uploadMaxSize = 100 << 20 // 100 MiB

// handleUpload accepts one or more files via multipart/form-data and
// stores them under the resolved currentPath, then redirects back to the
// dashboard view of that directory.
func (wb *Web) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, uploadMaxSize)

	// parse multipart form with 10MB in-memory buffer
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			wb.writeJSONError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		wb.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse form: %v", err))
		return
	}

	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	currentPath := r.FormValue("currentPath")
	targetDir := wb.Root.Resolve(currentPath)

	info, err := os.Stat(targetDir)
	if err != nil || !info.IsDir() {
		wb.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("target directory does not exist: %s", currentPath))
		return
	}

	files := r.MultipartForm.File["filedata"]
	if len(files) == 0 {
		wb.writeJSONError(w, http.StatusBadRequest, "no files provided")
		return
	}

	for _, fh := range files {
		if err := validateFilename(fh.Filename); err != nil {
			wb.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid filename %q: %v", fh.Filename, err))
			return
		}

		destPath := filepath.Join(targetDir, fh.Filename)

		src, err := fh.Open()
		if err != nil {
			wb.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read uploaded file: %v", err))
			return
		}

		if err := writeUploadedFile(destPath, src); err != nil {
			_ = src.Close()
			var ue *uploadError
			if errors.As(err, &ue) {
				wb.writeJSONError(w, ue.status, ue.Error())
			} else {
				wb.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to save file: %v", err))
			}
			return
		}
		_ = src.Close()

		log.Printf("[INFO] uploaded file %q to %s", fh.Filename, destPath)
	}

	http.Redirect(w, r, "/dashboard?path="+wb.Root.RelPath(targetDir), http.StatusSeeOther)
}

// validateFilename checks that a filename is safe for writing
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename is empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("contains '..'")
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("contains path separator")
	}
	return nil
}

// writeUploadedFile writes the uploaded content to the destination path,
// overwriting an existing file. Symlink targets are refused so a write
// can't be redirected outside the served tree.
func writeUploadedFile(destPath string, src io.Reader) error {
	if fi, err := os.Lstat(destPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return &uploadError{http.StatusBadRequest, fmt.Sprintf("refusing to overwrite symlink: %s", filepath.Base(destPath))}
	}

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec // destination confined by the resolver
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}
