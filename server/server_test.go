package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/webfm/webfm/internal/archive"
	"github.com/webfm/webfm/internal/cmdgate"
	"github.com/webfm/webfm/internal/rootfs"
	"github.com/webfm/webfm/internal/userstore"
)

// newTestWeb builds a Web over temp directories with a real badger store.
func newTestWeb(t *testing.T) *Web {
	t.Helper()

	root, err := rootfs.New(t.TempDir())
	require.NoError(t, err)

	store, err := userstore.NewBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &Web{
		Config: Config{
			ListenAddr:      "127.0.0.1:0",
			Theme:           "light",
			Title:           "test",
			Version:         "test",
			SessionSecret:   "test-secret",
			SessionTTL:      time.Hour,
			InsecureCookies: true,
		},
		Root:     root,
		Store:    store,
		Archives: archive.New(root),
		Commands: cmdgate.New(root),
	}
}

// createTestUser adds a user with the given role and password "secret123".
func createTestUser(t *testing.T, store userstore.Store, username, role string) userstore.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	require.NoError(t, err)
	u := userstore.User{ID: uuid.NewString(), Username: username, Role: role, PasswordHash: string(hash)}
	require.NoError(t, store.Create(u))
	return u
}

// authCookie returns a valid session cookie for the user.
func authCookie(wb *Web, u userstore.User) *http.Cookie {
	return &http.Cookie{Name: "auth", Value: wb.makeSessionToken(Identity{UserID: u.ID, Role: u.Role})}
}

// readBody drains and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

// writeTestFile creates a file under the served root.
func writeTestFile(t *testing.T, root *rootfs.Root, rel, content string) {
	t.Helper()
	full := filepath.Join(root.Dir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestRouter_RoleEnforcement(t *testing.T) {
	wb := newTestWeb(t)
	user := createTestUser(t, wb.Store, "bob", userstore.RoleUser)
	admin := createTestUser(t, wb.Store, "alice", userstore.RoleAdmin)

	ts := httptest.NewServer(wb.router())
	defer ts.Close()

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	tbl := []struct {
		name   string
		method string
		path   string
		cookie *http.Cookie
		accept string
		status int
	}{
		{"dashboard without session redirects", "GET", "/dashboard", nil, "", http.StatusSeeOther},
		{"dashboard without session json 401", "GET", "/dashboard", nil, "application/json", http.StatusUnauthorized},
		{"dashboard with session", "GET", "/dashboard", authCookie(wb, user), "", http.StatusOK},
		{"admin route as user", "POST", "/admin/execute-tool", authCookie(wb, user), "", http.StatusForbidden},
		{"admin route as user json", "POST", "/admin/delete-all-users", authCookie(wb, user), "application/json", http.StatusForbidden},
		{"delete-user as user", "POST", "/delete-user/some-id", authCookie(wb, user), "", http.StatusForbidden},
		{"admin route as admin", "POST", "/admin/delete-all-users", authCookie(wb, admin), "application/json", http.StatusOK},
		{"root redirects to dashboard", "GET", "/", nil, "", http.StatusSeeOther},
		{"ping is open", "GET", "/ping", nil, "", http.StatusOK},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, http.NoBody)
			require.NoError(t, err)
			if tt.cookie != nil {
				req.AddCookie(tt.cookie)
			}
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRouter_SessionForDeletedUser(t *testing.T) {
	wb := newTestWeb(t)
	user := createTestUser(t, wb.Store, "ghost", userstore.RoleUser)
	cookie := authCookie(wb, user)
	require.NoError(t, wb.Store.Delete(user.ID))

	ts := httptest.NewServer(wb.router())
	defer ts.Close()

	req, err := http.NewRequest("GET", ts.URL+"/dashboard", http.NoBody)
	require.NoError(t, err)
	req.AddCookie(cookie)
	req.Header.Set("Accept", "application/json")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "token of a deleted user must not work")
}
