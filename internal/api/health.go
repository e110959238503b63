package api

import (
	"net/http"

	"github.com/seantiz/crucible/internal/session"
)

type healthResponse struct {
	Status   string   `json:"status"`
	Runtimes []string `json:"runtimes"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	infos := s.deps.Runtimes.List()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Runtimes: names})
}

func (s *Server) handleListRuntimes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Runtimes.List())
}

type sessionResponse struct {
	Token string `json:"session_token"`
}

// handleCreateSession issues a token clients attach to related task
// submissions so their algorithms can share scratch data.
func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusCreated, sessionResponse{Token: session.NewToken()})
}
