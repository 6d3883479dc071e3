// Package control implements crofsd's HTTP/JSON control plane: the small
// set of routes a supervisor or orchestrator uses to query a daemon's
// state, ask it to mount or unmount, pull its metrics, and drive a hot
// takeover — the Go analogue of nydus-rsnapshotter's http_handler routes,
// but addressed at this daemon's own lifecycle state machine instead of a
// shared upgrade manager.
package control

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crofs/crofs/internal/crofserr"
	"github.com/crofs/crofs/internal/daemon"
	"github.com/crofs/crofs/internal/stats"
)

// LogLevelSetter receives a PUT /daemon {"log_level": ...} request; callers
// wire this to whatever *log.Logger verbosity knob they use.
type LogLevelSetter func(level string)

// NewMux builds the control-plane http.Handler wired to d and counters.
// setLevel may be nil, in which case PUT /daemon with a log_level field is
// accepted but ignored.
func NewMux(d *daemon.Daemon, counters *stats.Counters, setLevel LogLevelSetter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/daemon", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleGetDaemon(d, w, r)
		case http.MethodPut:
			handlePutDaemon(setLevel, w, r)
		default:
			methodNotAllowed(w)
		}
	})
	mux.HandleFunc("/mount", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		handlePutMount(d, w, r)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		handleGetMetrics(counters, w, r)
	})
	mux.HandleFunc("/takeover", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		handlePutTakeover(d, w, r)
	})
	mux.HandleFunc("/send_fuse_fd", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		handlePutSendFuseFD(d, w, r)
	})
	mux.HandleFunc("/exit", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			methodNotAllowed(w)
			return
		}
		handlePutExit(d, w, r)
	})
	return mux
}

type daemonInfo struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Supervisor string `json:"supervisor,omitempty"`
	State      string `json:"state"`
}

func handleGetDaemon(d *daemon.Daemon, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, daemonInfo{
		ID:         d.ID,
		Version:    d.Version,
		Supervisor: d.Supervisor(),
		State:      d.State().String(),
	})
}

type putDaemonRequest struct {
	LogLevel string `json:"log_level"`
}

func handlePutDaemon(setLevel LogLevelSetter, w http.ResponseWriter, r *http.Request) {
	var req putDaemonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.LogLevel != "" && setLevel != nil {
		setLevel(req.LogLevel)
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePutMount(d *daemon.Daemon, w http.ResponseWriter, r *http.Request) {
	var req daemon.MountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := d.Mount(r.Context(), req); err != nil {
		writeError(w, crofserr.HTTPStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleGetMetrics(counters *stats.Counters, w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, counters.Snapshot())
}

type putTakeoverRequest struct {
	SupervisorSocket string `json:"supervisor_socket"`
}

// handlePutTakeover dials the supervisor's takeover socket, receives the
// inherited FUSE fd and opaque, and drives Init+Takeover. A separate
// PUT /send_fuse_fd (invoked once the fd has settled into the new session)
// drives Upgrading+Successful.
func handlePutTakeover(d *daemon.Daemon, w http.ResponseWriter, r *http.Request) {
	var req putTakeoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fd, opaque, err := daemon.DialAndReceiveFD(req.SupervisorSocket)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.Takeover(r.Context(), req.SupervisorSocket, fd, opaque); err != nil {
		writeError(w, crofserr.HTTPStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePutSendFuseFD serves the supervisor side of a takeover: it is
// called on the outgoing daemon to hand its FUSE fd and opaque state to a
// successor waiting on socketPath.
func handlePutSendFuseFD(d *daemon.Daemon, w http.ResponseWriter, r *http.Request) {
	var req struct {
		SocketPath  string `json:"socket_path"`
		FD          int    `json:"fd"`
		OptionBits  uint32 `json:"option_bits"`
		WorkerCount int    `json:"worker_count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opaque := daemon.Opaque{ID: d.ID, Version: 1, OptionBits: req.OptionBits, WorkerCount: req.WorkerCount}
	if err := daemon.ServeFD(req.SocketPath, req.FD, opaque); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.Successful(r.Context()); err != nil {
		writeError(w, crofserr.HTTPStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handlePutExit(d *daemon.Daemon, w http.ResponseWriter, r *http.Request) {
	if err := d.Exit(r.Context()); err != nil {
		writeError(w, crofserr.HTTPStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func methodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: fmt.Sprint(err)})
}
