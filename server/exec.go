package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/webfm/webfm/internal/cmdgate"
)

// handleUserExecute runs a command on the strict user tier.
func (wb *Web) handleUserExecute(w http.ResponseWriter, r *http.Request) {
	wb.executeCommand(w, r, cmdgate.TierUser)
}

// handleAdminExecute runs a command on the admin tier; recognized
// long-running commands are launched in the background.
func (wb *Web) handleAdminExecute(w http.ResponseWriter, r *http.Request) {
	wb.executeCommand(w, r, cmdgate.TierAdmin)
}

// handleToolExecute runs admin tooling commands with the longer timeout
// and the output ceiling.
func (wb *Web) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	wb.executeCommand(w, r, cmdgate.TierTool)
}

// executeCommand is the shared route body: parse the form, dispatch
// through the gateway and answer with a JSON output field. A failed
// command answers 400 with its partial output and the failure text.
func (wb *Web) executeCommand(w http.ResponseWriter, r *http.Request, tier cmdgate.Tier) {
	if err := r.ParseForm(); err != nil {
		wb.writeExecOutput(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		wb.writeExecOutput(w, http.StatusBadRequest, "no command provided")
		return
	}
	currentPath := r.FormValue("currentPath")

	res, err := wb.Commands.Run(r.Context(), command, currentPath, tier)
	switch {
	case errors.Is(err, cmdgate.ErrBlocked):
		log.Printf("[WARN] blocked command %q: %v", command, err)
		wb.writeExecOutput(w, http.StatusForbidden, err.Error())
		return
	case errors.Is(err, cmdgate.ErrLaunch):
		log.Printf("[ERROR] failed to launch %q: %v", command, err)
		wb.writeExecOutput(w, http.StatusInternalServerError, err.Error())
		return
	case err != nil:
		// a failed command answers 400 with the failure and any partial
		// output in the body
		out := res.Output
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		wb.writeExecOutput(w, http.StatusBadRequest, out+err.Error())
		return
	}

	if res.Detached {
		wb.writeExecOutput(w, http.StatusOK,
			fmt.Sprintf("command started in background (pid %d): %s", res.PID, command))
		return
	}
	wb.writeExecOutput(w, http.StatusOK, res.Output)
}

// writeExecOutput answers an execution route; the body always carries an
// output field regardless of status.
func (wb *Web) writeExecOutput(w http.ResponseWriter, status int, output string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"output": output}); err != nil {
		log.Printf("[ERROR] failed to encode command output: %v", err)
	}
}
