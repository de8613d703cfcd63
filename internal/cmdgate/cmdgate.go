// Package cmdgate runs shell commands on behalf of web requests. Commands
// are validated against per-role blocklists before anything is spawned,
// executed with a bounded wall-clock timeout, or — for recognized
// long-running programs on the admin tier — launched detached from the
// request lifecycle entirely.
//
// Blocklisting shell syntax is a known-incomplete defense; the lists here
// reproduce the documented policy of the system, not a sound sandbox.
package cmdgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/webfm/webfm/internal/rootfs"
)

// Tier selects the blocklist and execution limits for a command.
type Tier int

const (
	// TierUser is the strictest tier: destructive commands, credential
	// management, package managers and any server/tunnel launch are all
	// rejected, and execution is bounded to 10 seconds.
	TierUser Tier = iota
	// TierAdmin permits package managers and server/tunnel launches;
	// recognized long-running commands are detached instead of bounded.
	TierAdmin
	// TierTool is the admin tooling tier: admin blocklist plus package
	// managers, 60 second timeout and a 5 MiB output ceiling.
	TierTool
)

const (
	userTimeout  = 10 * time.Second
	toolTimeout  = 60 * time.Second
	toolMaxBytes = 5 << 20 // 5 MiB combined output ceiling on the tool tier
)

var (
	// ErrBlocked indicates the command matched a blocklist pattern; no
	// process was spawned.
	ErrBlocked = errors.New("command blocked")
	// ErrLaunch indicates a detached launch failed to start.
	ErrLaunch = errors.New("background launch failed")
)

// blocklists are ordered; the first match rejects the command.
var (
	userBlocklist = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(rm\s+-r|rm\s+-f|rm\s+-fr|rm\s+-rf|rm|pkill|kill\s+-9|shutdown|reboot|format|dd)\b`),
		regexp.MustCompile(`(?i)\b(useradd|usermod|passwd|etc/passwd|etc/shadow|chown)\b`),
		regexp.MustCompile(`(?i)\b(apt|pkg|yum|pacman|dpkg)\b`),
		regexp.MustCompile(`(?i)\b(php\s+-S|node\s|python\s+-m\s+http\.server|npm\s+start|ssh|autossh|npm\s+install)\b`),
	}

	adminBlocklist = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(rm\s+-r|rm\s+-f|rm\s+-fr|rm\s+-rf|pkill|kill\s+-9|shutdown|reboot|format|dd)\b`),
		regexp.MustCompile(`(?i)\b(useradd|usermod|passwd|etc/passwd|etc/shadow)\b`),
	}

	toolBlocklist = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(rm\s+-r|rm\s+-f|rm\s+-fr|rm\s+-rf|pkill|kill\s+-9|shutdown|reboot|format|dd)\b`),
		regexp.MustCompile(`(?i)\b(useradd|usermod|passwd|etc/passwd|etc/shadow)\b`),
		regexp.MustCompile(`(?i)\b(apt|pkg|yum|pacman|dpkg|chown)\b`),
	}
)

// denialMessages are the fixed rejection texts per tier.
var denialMessages = map[Tier]string{
	TierUser:  "forbidden system command detected by server",
	TierAdmin: "destructive system commands are not allowed",
	TierTool:  "dangerous install/system commands are not allowed",
}

// longRunning holds program names eligible for detached launch on the
// admin tier.
var longRunning = map[string]bool{
	"php": true, "node": true, "python": true, "npm": true, "ssh": true, "autossh": true,
}

// Result is the outcome of a dispatched command.
type Result struct {
	Output   string // combined stdout and stderr, empty for detached launches
	Detached bool
	PID      int // set only for detached launches
}

// Gateway validates and runs shell commands within the root boundary.
type Gateway struct {
	root *rootfs.Root
}

// New creates a Gateway over the given root; working directories are
// resolved through it.
func New(root *rootfs.Root) *Gateway {
	return &Gateway{root: root}
}

// Validate checks the command against the tier's blocklist. It returns an
// ErrBlocked-wrapped error carrying the fixed denial message on a match.
func (g *Gateway) Validate(command string, tier Tier) error {
	var list []*regexp.Regexp
	switch tier {
	case TierAdmin:
		list = adminBlocklist
	case TierTool:
		list = toolBlocklist
	default:
		list = userBlocklist
	}
	for _, re := range list {
		if re.MatchString(command) {
			return fmt.Errorf("%w: %s", ErrBlocked, denialMessages[tier])
		}
	}
	return nil
}

// Run validates and dispatches the command with the working directory
// resolved under the root. On the admin tier recognized long-running
// commands are launched detached; everything else runs bounded with the
// tier's timeout. Failures are returned as errors together with any
// output produced before the failure.
func (g *Gateway) Run(ctx context.Context, command, workDir string, tier Tier) (Result, error) {
	if err := g.Validate(command, tier); err != nil {
		return Result{}, err
	}

	dir := g.root.Resolve(workDir)

	if tier == TierAdmin && Detachable(command) {
		pid, err := g.launchDetached(command, dir)
		if err != nil {
			return Result{}, err
		}
		log.Printf("[INFO] started background command %q (pid %d) in %s", command, pid, dir)
		return Result{Detached: true, PID: pid}, nil
	}

	timeout := userTimeout
	var maxBytes int64
	if tier == TierTool {
		timeout = toolTimeout
		maxBytes = toolMaxBytes
	}
	out, err := g.runBounded(ctx, command, dir, timeout, maxBytes)
	if err != nil {
		return Result{Output: out}, err
	}
	return Result{Output: out}, nil
}

// Detachable reports whether an admin command should be launched in the
// background: its first token is a recognized long-running program and it
// either looks like a server invocation or is a remote-shell/tunnel tool.
func Detachable(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	prog := fields[0]
	if !longRunning[prog] {
		return false
	}
	if prog == "ssh" || prog == "autossh" {
		return true
	}
	return strings.Contains(command, "-S") || strings.Contains(command, "start")
}

// runBounded executes the command through the shell with a wall-clock
// timeout and an optional combined-output ceiling. Combined output is
// returned even when the command fails.
func (g *Gateway) runBounded(ctx context.Context, command, dir string, timeout time.Duration, maxBytes int64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command) // #nosec G204 - command filtering is the documented policy here
	cmd.Dir = dir
	// don't let orphaned children holding the output pipes stall Wait
	// past the deadline
	cmd.WaitDelay = time.Second

	buf := &cappedBuffer{limit: maxBytes}
	cmd.Stdout = buf
	cmd.Stderr = buf

	err := cmd.Run()
	out := buf.String()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out, fmt.Errorf("command timed out after %s", timeout)
	case buf.exceeded:
		return out, fmt.Errorf("command output exceeded %d bytes", maxBytes)
	case err != nil:
		return out, fmt.Errorf("command failed: %w", err)
	}
	return out, nil
}

// launchDetached starts the command through the shell in its own session
// with all standard streams discarded, then releases the process handle.
// The child is an orphan from the server's point of view: nothing waits
// on it and server shutdown does not touch it.
func (g *Gateway) launchDetached(command, dir string) (int, error) {
	cmd := exec.Command("sh", "-c", command) // #nosec G204 - command filtering is the documented policy here
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Printf("[WARN] failed to release background process %d: %v", pid, err)
	}
	return pid, nil
}

// cappedBuffer collects output up to an optional limit. Writes past the
// limit fail, which terminates the producing command.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int64 // 0 means unlimited
	exceeded bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.limit > 0 && int64(c.buf.Len())+int64(len(p)) > c.limit {
		c.exceeded = true
		return 0, fmt.Errorf("output limit exceeded")
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string { return c.buf.String() }
