package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/me/taskorch/pkg/model"
)

// handleListTeams lists every team.
// GET /api/v1/teams
func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	teams, err := s.store.ListTeams(r.Context())
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if teams == nil {
		teams = []*model.Team{}
	}
	respondOK(w, reqID, teams)
}

// handleCreateTeam creates a team. Team names are unique.
// POST /api/v1/teams
func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadJSON(w, reqID, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field",
				model.FieldError{Field: "name", Message: "name is required"}))
		return
	}

	existing, err := s.store.GetTeamByName(r.Context(), req.Name)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if existing != nil {
		respondError(w, reqID, http.StatusConflict,
			&model.APIError{Code: model.ErrConflict, Message: "team '" + req.Name + "' already exists"})
		return
	}

	team := &model.Team{Name: req.Name}
	if err := s.store.CreateTeam(r.Context(), team); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("team created", "team_id", team.ID, "name", team.Name, "request_id", reqID)
	respondCreated(w, reqID, team)
}

// handleListScripts lists scripts, optionally for one team.
// GET /api/v1/scripts?team_id=
func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var teamID int64
	if v := r.URL.Query().Get("team_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query",
				model.FieldError{Field: "team_id", Message: "must be an integer"}))
			return
		}
		teamID = n
	}

	scripts, err := s.store.ListScripts(r.Context(), teamID)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if scripts == nil {
		scripts = []*model.Script{}
	}
	respondOK(w, reqID, scripts)
}

type createScriptRequest struct {
	Name           string            `json:"name"`
	Cmd            string            `json:"cmd"`
	Team           string            `json:"team"`
	Type           model.ScriptType  `json:"type"`
	DefaultOptions map[string]string `json:"default_options"`
}

// handleCreateScript registers an ACTIVE script under a team given by name.
// POST /api/v1/scripts
func (s *Server) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req createScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondBadJSON(w, reqID, err)
		return
	}

	var fieldErrs []model.FieldError
	for _, f := range []struct{ name, value string }{
		{"name", req.Name},
		{"cmd", req.Cmd},
		{"team", req.Team},
	} {
		if strings.TrimSpace(f.value) == "" {
			fieldErrs = append(fieldErrs, model.FieldError{Field: f.name, Message: f.name + " is required"})
		}
	}
	if req.Type == "" {
		req.Type = model.ScriptTypeScript
	}
	if req.Type != model.ScriptTypeScript && req.Type != model.ScriptTypeFunction {
		fieldErrs = append(fieldErrs, model.FieldError{Field: "type", Message: "must be SCRIPT or FUNCTION"})
	}
	if len(fieldErrs) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid script", fieldErrs...))
		return
	}

	team, err := s.store.GetTeamByName(r.Context(), req.Team)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if team == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("team", req.Team))
		return
	}

	script := &model.Script{
		Name:           req.Name,
		Cmd:            req.Cmd,
		TeamID:         team.ID,
		Status:         model.ScriptStatusActive,
		Type:           req.Type,
		DefaultOptions: req.DefaultOptions,
	}
	if err := s.store.CreateScript(r.Context(), script); err != nil {
		respondInternal(w, reqID, err)
		return
	}
	s.logger.Info("script created", "script_id", script.ID, "name", script.Name, "team", team.Name, "request_id", reqID)
	respondCreated(w, reqID, script)
}

// handleArchiveScript stops a script from being dispatched. Archiving an
// archived script is a no-op.
// PUT /api/v1/scripts/{id}/archive
func (s *Server) handleArchiveScript(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id, ok := idParam(w, r, "script")
	if !ok {
		return
	}

	script, err := s.store.GetScript(r.Context(), id)
	if err != nil {
		respondInternal(w, reqID, err)
		return
	}
	if script == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("script", strconv.FormatInt(id, 10)))
		return
	}
	if script.IsActive() {
		script.Status = model.ScriptStatusArchived
		if err := s.store.UpdateScript(r.Context(), script); err != nil {
			respondInternal(w, reqID, err)
			return
		}
		s.logger.Info("script archived", "script_id", script.ID, "name", script.Name, "request_id", reqID)
	}
	respondOK(w, reqID, script)
}
