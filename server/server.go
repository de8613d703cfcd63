// Package server provides the web surface of the file manager console:
// directory browsing, file upload/download/edit, archive operations,
// command execution and account administration, split between user and
// admin roles.
package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/go-pkgz/lcw/v2"
	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/webfm/webfm/internal/archive"
	"github.com/webfm/webfm/internal/cmdgate"
	"github.com/webfm/webfm/internal/rootfs"
	"github.com/webfm/webfm/internal/userstore"
)

//go:embed templates/*
var content embed.FS

// templates are parsed once; the safe func is needed for rendered
// markdown and highlighted code fragments.
var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"safe": func(s string) template.HTML {
		return template.HTML(s) // nolint:gosec // used only with server-generated fragments
	},
}).ParseFS(content, "templates/*.html"))

// Web represents the web server.
type Web struct {
	Config

	Root     *rootfs.Root     // confined filesystem all file routes go through
	Store    userstore.Store  // account persistence
	Archives *archive.Manager // zip/tar operations
	Commands *cmdgate.Gateway // command validation and dispatch

	userCache lcw.LoadingCache[bool] // caches user-existence checks in requireSession
}

// Config represents server configuration.
type Config struct {
	ListenAddr      string        // address to listen on for HTTP server
	Theme           string        // UI theme (light/dark)
	Title           string        // custom title for the site
	Version         string        // version information to display in UI
	SessionSecret   string        // HMAC key for session tokens
	SessionTTL      time.Duration // session lifetime, 24h when zero
	InsecureCookies bool          // allow cookies without the Secure flag
}

// Run starts the web server and blocks until the context is canceled or
// the listener fails.
func (wb *Web) Run(ctx context.Context) error {
	if wb.userCache == nil {
		o := lcw.NewOpts[bool]()
		cache, err := lcw.NewExpirableCache(o.MaxKeys(1000), o.TTL(30*time.Second))
		if err != nil {
			return fmt.Errorf("failed to create user cache: %w", err)
		}
		wb.userCache = cache
	}

	router := wb.router()

	srv := &http.Server{
		Addr:              wb.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second, // tool commands can run up to a minute
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("[INFO] starting server on %s, serving from: %s", wb.ListenAddr, wb.Root.Dir())
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		log.Printf("[DEBUG] server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		log.Printf("[INFO] server shutdown completed")
		return nil
	}
}

// router builds the full route table with the middleware chain.
func (wb *Web) router() http.Handler {
	mux := http.NewServeMux()
	router := routegroup.New(mux)

	router.Use(rest.Trace, rest.RealIP, rest.Recoverer(lgr.Default()))
	router.Use(rest.Throttle(1000))
	router.Use(tollbooth.HTTPMiddleware(tollbooth.NewLimiter(50, nil)))
	router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	router.Use(rest.AppInfo("webfm", "webfm", wb.Version), rest.Ping)

	// session establishment, open to everyone
	router.HandleFunc("GET /login", wb.handleLoginPage)
	router.HandleFunc("POST /login", wb.handleLoginSubmit)
	router.HandleFunc("GET /logout", wb.handleLogout)
	router.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	})

	// routes available to any authenticated user
	authed := router.Group()
	authed.Use(wb.requireSession)
	authed.HandleFunc("GET /dashboard", wb.handleDashboard)
	authed.HandleFunc("POST /upload", wb.handleUpload)
	authed.HandleFunc("GET /download/{path...}", wb.handleDownload)
	authed.HandleFunc("GET /view/{path...}", wb.handleViewFile)
	authed.HandleFunc("GET /user/get-content/{path...}", wb.handleUserGetContent)
	authed.HandleFunc("POST /user/edit/{path...}", wb.handleUserEdit)
	authed.HandleFunc("POST /extract/{path...}", wb.handleExtract)
	authed.HandleFunc("POST /user/execute-command", wb.handleUserExecute)
	authed.HandleFunc("GET /api/list", wb.handleAPIList)

	// admin-only surface
	admin := router.Mount("/admin")
	admin.Use(wb.requireSession, wb.requireAdmin)
	admin.Use(rest.SizeLimit(1024 * 1024)) // 1M max request size, uploads don't come here
	admin.HandleFunc("POST /execute-command", wb.handleAdminExecute)
	admin.HandleFunc("POST /execute-tool", wb.handleToolExecute)
	admin.HandleFunc("GET /get-content/{path...}", wb.handleAdminGetContent)
	admin.HandleFunc("POST /edit/{path...}", wb.handleAdminEdit)
	admin.HandleFunc("POST /delete/{path...}", wb.handleDelete)
	admin.HandleFunc("POST /batch-archive", wb.handleBatchArchive)
	admin.HandleFunc("POST /batch-delete", wb.handleBatchDelete)
	admin.HandleFunc("POST /users", wb.handleCreateUser)
	admin.HandleFunc("POST /delete-all-users", wb.handleDeleteAllUsers)

	// kept off the /admin prefix for compatibility with the dashboard form
	deluser := router.Group()
	deluser.Use(wb.requireSession, wb.requireAdmin)
	deluser.HandleFunc("POST /delete-user/{id}", wb.handleDeleteUser)

	return router
}
