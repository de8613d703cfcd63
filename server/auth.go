package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/webfm/webfm/internal/userstore"
)

// Identity is the authenticated caller extracted from the session cookie.
type Identity struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the identity holds the admin role.
func (id Identity) IsAdmin() bool { return id.Role == userstore.RoleAdmin }

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the Identity stored by requireSession.
func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// loginTemplateData holds data for login page template rendering
type loginTemplateData struct {
	Theme     string
	Title     string
	Error     string
	CSRFToken string
}

// handleLoginPage renders the login page
func (wb *Web) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	wb.renderLogin(w, r, "")
}

// handleLoginSubmit handles the login form submission
func (wb *Web) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	// verify CSRF token
	formToken := r.FormValue("csrf_token")
	cookieToken, err := r.Cookie("csrf_token")
	if err != nil || formToken == "" || subtle.ConstantTimeCompare([]byte(formToken), []byte(cookieToken.Value)) != 1 {
		wb.renderLogin(w, r, "Invalid or missing CSRF token")
		return
	}

	username := r.FormValue("username")
	password := r.FormValue("password")

	user, err := wb.Store.GetByUsername(username)
	if err != nil {
		if !errors.Is(err, userstore.ErrNotFound) {
			log.Printf("[ERROR] failed to look up user %q: %v", username, err)
		}
		// burn a bcrypt round so missing users cost the same as bad passwords
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B4wVA3nN0h8a1QKMvQ0cE1YFDTyG"), []byte(password))
		wb.renderLogin(w, r, "Invalid username or password")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		wb.renderLogin(w, r, "Invalid username or password")
		return
	}

	// clear the CSRF token cookie
	http.SetCookie(w, &http.Cookie{
		Name:     "csrf_token",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   wb.isRequestSecure(r),
		MaxAge:   -1,
	})

	// authentication successful, issue session token with identity claims
	http.SetCookie(w, &http.Cookie{
		Name:     "auth",
		Value:    wb.makeSessionToken(Identity{UserID: user.ID, Role: user.Role}),
		Path:     "/",
		HttpOnly: true,
		Secure:   wb.isRequestSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   wb.getSessionMaxAge(),
	})

	log.Printf("[INFO] user %q logged in with role %s", user.Username, user.Role)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

// renderLogin renders the login page with a fresh CSRF token and an
// optional error message.
func (wb *Web) renderLogin(w http.ResponseWriter, r *http.Request, errorMsg string) {
	csrfToken := wb.generateCSRFToken()

	http.SetCookie(w, &http.Cookie{
		Name:     "csrf_token",
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   wb.isRequestSecure(r),
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(5 * time.Minute.Seconds()), // CSRF token valid for 5 minutes
	})

	data := loginTemplateData{
		Theme:     wb.Theme,
		Title:     wb.Title,
		Error:     errorMsg,
		CSRFToken: csrfToken,
	}

	if err := templates.ExecuteTemplate(w, "login.html", data); err != nil {
		http.Error(w, fmt.Sprintf("failed to execute template: %v", err), http.StatusInternalServerError)
	}
}

// handleLogout handles the logout request
func (wb *Web) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   wb.isRequestSecure(r),
		MaxAge:   -1, // delete the cookie
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// requireSession validates the session cookie, checks the user still
// exists and puts the Identity on the request context. Browsers are
// redirected to the login page; JSON/XHR clients get a 401 body.
func (wb *Web) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("auth")
		if err != nil {
			wb.denySession(w, r)
			return
		}

		id, ok := wb.parseSessionToken(cookie.Value)
		if !ok || !wb.userExists(id.UserID) {
			wb.denySession(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

// requireAdmin rejects non-admin identities; composed after requireSession.
func (wb *Web) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := identityFrom(r.Context())
		if !ok || !id.IsAdmin() {
			if wantsJSON(r) {
				wb.writeJSONError(w, http.StatusForbidden, "admin access required")
				return
			}
			http.Error(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// denySession answers a missing or invalid session per content negotiation.
func (wb *Web) denySession(w http.ResponseWriter, r *http.Request) {
	if wantsJSON(r) {
		wb.writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// wantsJSON reports whether the client should get JSON errors instead of
// a browser redirect.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// userExists checks the store through the expirable cache to avoid a
// store hit on every request. Falls back to a direct check when the
// cache is not initialized (e.g. in tests).
func (wb *Web) userExists(id string) bool {
	check := func() (bool, error) {
		if _, err := wb.Store.Get(id); err != nil {
			if errors.Is(err, userstore.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	if wb.userCache == nil {
		ok, err := check()
		if err != nil {
			log.Printf("[ERROR] failed to check user %s: %v", id, err)
			return false
		}
		return ok
	}

	ok, err := wb.userCache.Get(id, check)
	if err != nil {
		log.Printf("[ERROR] failed to check user %s: %v", id, err)
		return false
	}
	return ok
}

// getSessionMaxAge returns the session max age in seconds, defaulting to 24 hours
func (wb *Web) getSessionMaxAge() int {
	maxAge := int(wb.SessionTTL.Seconds())
	if maxAge == 0 {
		return 3600 * 24 // default to 24 hours
	}
	return maxAge
}

// generateCSRFToken creates a random token for CSRF protection
func (wb *Web) generateCSRFToken() string {
	const tokenLength = 32
	b := make([]byte, tokenLength)
	_, err := io.ReadFull(rand.Reader, b)
	if err != nil {
		// if crypto/rand fails, use uuid which has its own entropy source
		log.Printf("[WARN] failed to generate random CSRF token: %v, using UUID fallback", err)
		return uuid.NewString()
	}
	return fmt.Sprintf("%x", b)
}

// makeSessionToken signs the identity claims and the current timestamp
// with the session secret: userID.role.timestamp.signature
func (wb *Web) makeSessionToken(id Identity) string {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	h := hmac.New(sha256.New, []byte(wb.SessionSecret))
	h.Write([]byte(id.UserID))
	h.Write([]byte(id.Role))
	h.Write([]byte(timestamp))
	signature := h.Sum(nil)

	return id.UserID + "." + id.Role + "." + timestamp + "." + base64.StdEncoding.EncodeToString(signature)
}

// parseSessionToken verifies the signature and expiration and returns
// the embedded identity claims.
func (wb *Web) parseSessionToken(token string) (Identity, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return Identity{}, false
	}

	userID, role, timestamp, signatureB64 := parts[0], parts[1], parts[2], parts[3]

	h := hmac.New(sha256.New, []byte(wb.SessionSecret))
	h.Write([]byte(userID))
	h.Write([]byte(role))
	h.Write([]byte(timestamp))
	expectedSignature := h.Sum(nil)

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return Identity{}, false
	}

	// constant-time comparison
	if subtle.ConstantTimeCompare(signature, expectedSignature) != 1 {
		return Identity{}, false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return Identity{}, false
	}

	maxAge := wb.SessionTTL
	if maxAge == 0 {
		maxAge = 24 * time.Hour
	}
	if time.Since(time.Unix(timestampInt, 0)) > maxAge {
		return Identity{}, false
	}

	return Identity{UserID: userID, Role: role}, true
}

// isRequestSecure checks if the request is secure by examining TLS status and common proxy headers
func (wb *Web) isRequestSecure(r *http.Request) bool {
	// if insecure cookies is enabled, we don't care about the request security
	if wb.InsecureCookies {
		return false
	}

	if r != nil && r.TLS != nil {
		return true
	}

	if r != nil {
		// x-Forwarded-Proto is the de-facto standard header for proxies
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			return true
		}
		// check Forwarded header (RFC 7239)
		if fwd := r.Header.Get("Forwarded"); fwd != "" {
			for entry := range strings.SplitSeq(fwd, ",") {
				entry = strings.TrimSpace(entry)
				for part := range strings.SplitSeq(entry, ";") {
					part = strings.TrimSpace(part)
					if strings.HasPrefix(part, "proto=") && strings.ToLower(strings.TrimPrefix(part, "proto=")) == "https" {
						return true
					}
				}
			}
		}
	}

	return false
}
