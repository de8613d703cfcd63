package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umputun/go-flags"
)

func TestVersionInfo(t *testing.T) {
	version := versionInfo()
	assert.NotEmpty(t, version, "version should not be empty")
}

func TestSetupLog(t *testing.T) {
	setupLog(false)
	setupLog(true)
	setupLog(false, "secret1", "secret2")
	setupLog(false, "", "secret") // empty secrets are skipped
}

func TestParseCommandLineArgs(t *testing.T) {
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()
	originalOpts := opts
	defer func() { opts = originalOpts }()

	tests := []struct {
		name     string
		args     []string
		expected options
	}{
		{
			name: "default values",
			args: []string{"webfm"},
			expected: options{
				Listen:  ":8080",
				Theme:   "light",
				RootDir: ".",
				DBPath:  "var/webfm-users",
			},
		},
		{
			name: "custom listen address",
			args: []string{"webfm", "--listen", ":9090"},
			expected: options{
				Listen:  ":9090",
				Theme:   "light",
				RootDir: ".",
				DBPath:  "var/webfm-users",
			},
		},
		{
			name: "custom root and db",
			args: []string{"webfm", "--root", "/tmp", "--db", "/tmp/users"},
			expected: options{
				Listen:  ":8080",
				Theme:   "light",
				RootDir: "/tmp",
				DBPath:  "/tmp/users",
			},
		},
		{
			name: "debug mode and dark theme",
			args: []string{"webfm", "--dbg", "--theme", "dark"},
			expected: options{
				Listen:  ":8080",
				Theme:   "dark",
				RootDir: ".",
				DBPath:  "var/webfm-users",
				Dbg:     true,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts = options{}
			os.Args = tc.args

			p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
			_, err := p.Parse()
			require.NoError(t, err, "flag parsing should not produce an error")

			assert.Equal(t, tc.expected.Listen, opts.Listen)
			assert.Equal(t, tc.expected.Theme, opts.Theme)
			assert.Equal(t, tc.expected.RootDir, opts.RootDir)
			assert.Equal(t, tc.expected.DBPath, opts.DBPath)
			assert.Equal(t, tc.expected.Dbg, opts.Dbg)
		})
	}
}

func TestRunServerErrors(t *testing.T) {
	t.Run("bad root directory path", func(t *testing.T) {
		badOpts := &options{
			RootDir: string([]byte{0}), // invalid path
			DBPath:  t.TempDir(),
		}
		err := runServer(context.Background(), badOpts)
		assert.Error(t, err)
	})
}

func TestIntegration(t *testing.T) {
	tempDir := t.TempDir()

	err := os.WriteFile(filepath.Join(tempDir, "test1.txt"), []byte("test1 content"), 0o644)
	require.NoError(t, err)
	err = os.Mkdir(filepath.Join(tempDir, "subdir"), 0o755)
	require.NoError(t, err)
	err = os.WriteFile(filepath.Join(tempDir, "subdir", "test2.txt"), []byte("test2 content"), 0o644)
	require.NoError(t, err)

	// find an available port
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	serverOpts := &options{
		Listen:          fmt.Sprintf(":%d", port),
		Theme:           "light",
		RootDir:         tempDir,
		DBPath:          filepath.Join(t.TempDir(), "users"),
		SessionSecret:   "test-secret-key",
		SessionTTL:      time.Hour,
		AdminPasswd:     "admin-pass-123",
		InsecureCookies: true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- runServer(ctx, serverOpts)
	}()

	// wait for the server to start
	time.Sleep(300 * time.Millisecond)

	baseURL := fmt.Sprintf("http://localhost:%d", port)

	plainClient := &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	login := func(t *testing.T, username, password string) *http.Client {
		t.Helper()
		jar, err := cookiejar.New(nil)
		require.NoError(t, err)
		client := &http.Client{Timeout: 5 * time.Second, Jar: jar}

		resp, err := client.Get(baseURL + "/login")
		require.NoError(t, err)
		_ = resp.Body.Close()

		csrf := ""
		for _, c := range jar.Cookies(resp.Request.URL) {
			if c.Name == "csrf_token" {
				csrf = c.Value
			}
		}
		require.NotEmpty(t, csrf, "CSRF cookie should be set")

		form := url.Values{"username": {username}, "password": {password}, "csrf_token": {csrf}}
		resp, err = client.PostForm(baseURL+"/login", form)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		return client
	}

	t.Run("unauthenticated access redirects to login", func(t *testing.T) {
		resp, err := plainClient.Get(baseURL + "/dashboard")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/login", resp.Header.Get("Location"))
	})

	t.Run("admin login and dashboard listing", func(t *testing.T) {
		client := login(t, "admin", "admin-pass-123")

		resp, err := client.Get(baseURL + "/dashboard")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "test1.txt")
		assert.Contains(t, string(body), "subdir")
		assert.Contains(t, string(body), "Accounts") // admin panel visible
	})

	t.Run("file download", func(t *testing.T) {
		client := login(t, "admin", "admin-pass-123")

		resp, err := client.Get(baseURL + "/download/test1.txt")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Disposition"), `attachment; filename="test1.txt"`)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "test1 content", string(body))
	})

	t.Run("traversal falls back to root listing", func(t *testing.T) {
		client := login(t, "admin", "admin-pass-123")

		resp, err := client.Get(baseURL + "/dashboard?path=" + url.QueryEscape("../../etc"))
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "test1.txt", "escaped path must show the root listing")
	})

	t.Run("command execution", func(t *testing.T) {
		client := login(t, "admin", "admin-pass-123")

		form := url.Values{"command": {"echo integration"}, "currentPath": {""}}
		resp, err := client.PostForm(baseURL+"/admin/execute-command", form)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "integration")
	})

	t.Run("failed login shows error", func(t *testing.T) {
		jar, err := cookiejar.New(nil)
		require.NoError(t, err)
		client := &http.Client{Timeout: 5 * time.Second, Jar: jar}

		resp, err := client.Get(baseURL + "/login")
		require.NoError(t, err)
		_ = resp.Body.Close()

		csrf := ""
		for _, c := range jar.Cookies(resp.Request.URL) {
			if c.Name == "csrf_token" {
				csrf = c.Value
			}
		}
		require.NotEmpty(t, csrf)

		form := url.Values{"username": {"admin"}, "password": {"wrong"}, "csrf_token": {csrf}}
		resp, err = client.PostForm(baseURL+"/login", form)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(body), "Invalid username or password"))
	})

	// shutdown the server
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down within expected time")
	}
}
