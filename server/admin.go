package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/webfm/webfm/internal/userstore"
)

var validate = validator.New()

// handleBatchArchive zips the selected items into the current directory.
// Missing items are skipped; the archive is created regardless.
func (wb *Web) handleBatchArchive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	items := r.Form["items"]
	if len(items) == 0 {
		http.Error(w, "no items selected", http.StatusBadRequest)
		return
	}
	currentPath := r.FormValue("currentPath")

	archivePath, count, err := wb.Archives.Create(items, currentPath)
	if err != nil {
		log.Printf("[ERROR] failed to archive %d items in %q: %v", len(items), currentPath, err)
		http.Error(w, "error creating archive", http.StatusInternalServerError)
		return
	}

	log.Printf("[INFO] archived %d items into %s", count, archivePath)
	http.Redirect(w, r, "/dashboard?path="+currentPath, http.StatusSeeOther)
}

// handleBatchDelete removes the selected items concurrently; individual
// failures don't abort the batch.
func (wb *Web) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	items := r.Form["items"]
	if len(items) == 0 {
		http.Error(w, "no items selected", http.StatusBadRequest)
		return
	}
	currentPath := r.FormValue("currentPath")

	deleted, failed := wb.Root.BatchDelete(items)
	if len(failed) > 0 {
		log.Printf("[WARN] batch delete removed %d items, failed on %v", deleted, failed)
	} else {
		log.Printf("[INFO] batch delete removed %d items", deleted)
	}

	http.Redirect(w, r, "/dashboard?path="+currentPath, http.StatusSeeOther)
}

// createUserRequest is the validated create-account payload.
type createUserRequest struct {
	Username string `validate:"required,alphanum,min=3,max=32"`
	Password string `validate:"required,min=6"`
	Role     string `validate:"required,oneof=user admin"`
}

// handleCreateUser creates a console account from the submitted form.
func (wb *Web) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	req := createUserRequest{
		Username: r.FormValue("username"),
		Password: r.FormValue("password"),
		Role:     r.FormValue("role"),
	}
	if err := validate.Struct(req); err != nil {
		wb.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid account data: %v", err))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("[ERROR] failed to hash password: %v", err)
		wb.writeJSONError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	user := userstore.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Role:         req.Role,
		PasswordHash: string(hash),
	}
	if err := wb.Store.Create(user); err != nil {
		if errors.Is(err, userstore.ErrExists) {
			wb.writeJSONError(w, http.StatusConflict, "username already taken")
			return
		}
		log.Printf("[ERROR] failed to create user %q: %v", req.Username, err)
		wb.writeJSONError(w, http.StatusInternalServerError, "database unavailable")
		return
	}

	log.Printf("[INFO] created user %q with role %s", user.Username, user.Role)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// handleDeleteUser removes a single account. Deleting your own account
// is a no-op: the request redirects back without touching the store.
func (wb *Web) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	targetID := r.PathValue("id")

	if targetID == id.UserID {
		log.Printf("[WARN] user %s attempted self-deletion, ignored", id.UserID)
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
		return
	}

	if err := wb.Store.Delete(targetID); err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
			return
		}
		log.Printf("[ERROR] failed to delete user %s: %v", targetID, err)
		wb.writeJSONError(w, http.StatusInternalServerError, "database unavailable")
		return
	}

	log.Printf("[INFO] deleted user %s", targetID)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// handleDeleteAllUsers removes every account except the caller's and
// reports how many were removed.
func (wb *Web) handleDeleteAllUsers(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())

	deleted, err := wb.Store.DeleteAllExcept(id.UserID)
	if err != nil {
		log.Printf("[ERROR] failed to delete users: %v", err)
		wb.writeJSONError(w, http.StatusInternalServerError, "database unavailable")
		return
	}

	log.Printf("[INFO] deleted %d users, kept %s", deleted, id.UserID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"deletedCount": deleted}); err != nil {
		log.Printf("[ERROR] failed to encode response: %v", err)
	}
}
