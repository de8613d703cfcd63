package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/umputun/go-flags"
	"golang.org/x/crypto/bcrypt"

	"github.com/webfm/webfm/internal/archive"
	"github.com/webfm/webfm/internal/cmdgate"
	"github.com/webfm/webfm/internal/rootfs"
	"github.com/webfm/webfm/internal/userstore"
	"github.com/webfm/webfm/server"
)

type options struct {
	Listen  string `short:"l" long:"listen" env:"LISTEN" default:":8080" description:"address to listen on"`
	RootDir string `short:"r" long:"root" env:"ROOT_DIR" default:"." description:"root directory to manage"`
	DBPath  string `long:"db" env:"DB_PATH" default:"var/webfm-users" description:"path to the user database"`

	Theme string `long:"theme" env:"THEME" default:"light" choice:"light" choice:"dark" description:"UI theme"`
	Title string `long:"title" env:"TITLE" default:"" description:"custom site title"`

	SessionSecret   string        `long:"session-secret" env:"SESSION_SECRET" description:"secret key for session tokens, random if not set"`
	SessionTTL      time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"24h" description:"session lifetime"`
	InsecureCookies bool          `long:"insecure-cookies" env:"INSECURE_COOKIES" description:"allow cookies without secure flag"`

	AdminPasswd string `long:"admin-passwd" env:"ADMIN_PASSWD" description:"bootstrap password for the admin account"`

	Dbg bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var opts options

var revision = "unknown"

func main() {
	fmt.Printf("webfm %s\n", versionInfo())

	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	setupLog(opts.Dbg, opts.SessionSecret, opts.AdminPasswd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runServer(ctx, &opts); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// runServer wires the engines together and runs the web server until the
// context is canceled.
func runServer(ctx context.Context, opts *options) error {
	root, err := rootfs.New(opts.RootDir)
	if err != nil {
		return fmt.Errorf("failed to set up root directory: %w", err)
	}

	store, err := userstore.NewBadger(opts.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open user store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("[WARN] failed to close user store: %v", err)
		}
	}()

	if opts.AdminPasswd != "" {
		if err := ensureAdmin(store, opts.AdminPasswd); err != nil {
			return fmt.Errorf("failed to bootstrap admin account: %w", err)
		}
	}

	secret := opts.SessionSecret
	if secret == "" {
		// sessions won't survive a restart without a configured secret
		secret = uuid.NewString()
		log.Printf("[WARN] session secret not set, generated random secret")
	}

	srv := &server.Web{
		Config: server.Config{
			ListenAddr:      opts.Listen,
			Theme:           opts.Theme,
			Title:           opts.Title,
			Version:         versionInfo(),
			SessionSecret:   secret,
			SessionTTL:      opts.SessionTTL,
			InsecureCookies: opts.InsecureCookies,
		},
		Root:     root,
		Store:    store,
		Archives: archive.New(root),
		Commands: cmdgate.New(root),
	}

	return srv.Run(ctx)
}

// ensureAdmin creates the admin account on first start. An existing
// admin account is left alone so a changed flag doesn't silently rotate
// the password.
func ensureAdmin(store userstore.Store, passwd string) error {
	if _, err := store.GetByUsername("admin"); err == nil {
		return nil
	} else if !errors.Is(err, userstore.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}

	u := userstore.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		Role:         userstore.RoleAdmin,
		PasswordHash: string(hash),
	}
	if err := store.Create(u); err != nil {
		return err
	}
	log.Printf("[INFO] created admin account")
	return nil
}

// versionInfo returns the version from the revision var or the build info
func versionInfo() string {
	if revision != "unknown" {
		return revision
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// setupLog configures the global logger, optionally masking secrets
func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	var cleanSecrets []string
	for _, s := range secrets {
		if s != "" {
			cleanSecrets = append(cleanSecrets, s)
		}
	}
	if len(cleanSecrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(cleanSecrets...))
	}

	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
