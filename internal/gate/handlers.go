package gate

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kwentura/kwentura/internal/limiter"
	"github.com/kwentura/kwentura/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}

// handleLoad runs the load sequence for a profile. Storage errors are
// reported as a warning because the gate still settles into a state the
// host must render.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]

	status, err := s.gates.Load(r.Context(), profile)
	s.writeStatus(w, profile, status, err)
}

// handleRest ends today's reading time for a profile.
func (s *Server) handleRest(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]

	status, err := s.gates.EnterRestMode(r.Context(), profile)
	s.writeStatus(w, profile, status, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]

	status, err := s.gates.Status(profile)
	s.writeStatus(w, profile, status, err)
}

func (s *Server) writeStatus(w http.ResponseWriter, profile string, status limiter.Status, err error) {
	switch {
	case errors.Is(err, registry.ErrInvalidProfile):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, limiter.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "gate is shutting down")
		return
	}

	resp := newStatusResponse(status)
	if err != nil {
		s.logger.Warn().Err(err).Str("profile", profile).Msg("Gate settled with a storage error")
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// gatePage is the data rendered by gate.html.
type gatePage struct {
	Profile  string
	State    string
	Blocked  bool
	Message  string
	Minutes  int
	Refresh  int
	Starting bool
}

func (s *Server) handleGatePage(w http.ResponseWriter, r *http.Request) {
	profile := mux.Vars(r)["profile"]

	status, err := s.gates.Status(profile)
	if err != nil {
		if errors.Is(err, registry.ErrInvalidProfile) {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		s.logger.Error().Err(err).Str("profile", profile).Msg("Failed to read gate status")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	data := gatePage{
		Profile:  profile,
		State:    status.State.String(),
		Blocked:  status.State.Blocked(),
		Message:  status.Message,
		Minutes:  int(status.Remaining.Minutes()),
		Refresh:  60,
		Starting: status.State == limiter.StateUnknown,
	}
	if data.Starting {
		data.Refresh = 5
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.templates.ExecuteTemplate(w, "gate.html", data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render gate template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
