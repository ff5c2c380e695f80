package server

import (
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/orbitdesk/skillhub/pkg/engine"
	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/registry"
	"github.com/orbitdesk/skillhub/pkg/types/platform"
	"github.com/orbitdesk/skillhub/pkg/version"
)

// handleListTemplates handles GET /api/templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"success":   true,
		"templates": s.services.Registry.ListTemplates(),
	})
}

// handleTemplateSchema handles GET /api/templates/{id}/schema.
func (s *Server) handleTemplateSchema(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.services.Registry.GetTemplate(mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"schema":  fieldSchema(tpl.Variables),
	})
}

type createSkillRequest struct {
	TemplateID  string            `json:"templateId"`
	Variables   map[string]string `json:"variables"`
	Preview     bool              `json:"preview,omitempty"`
	AutoInstall bool              `json:"autoInstall,omitempty"`
}

// handleCreateSkill handles POST /api/skills/create. With preview set
// the template is rendered without persisting anything; otherwise the
// rendered skill is registered and, with autoInstall, installed for the
// calling operator with every manifest permission granted.
func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createSkillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	if req.Preview {
		rendered, err := s.services.Registry.Preview(req.TemplateID, req.Variables)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{
			"success":                 true,
			"files":                   rendered.Files,
			"manifest":                rendered.Manifest,
			"unresolved_placeholders": rendered.UnresolvedPlaceholders,
		})
		return
	}

	skill, err := s.services.Registry.CreateFromTemplate(ctx, req.TemplateID, req.Variables)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	response := map[string]any{
		"success": true,
		"skill":   skill,
	}

	if req.AutoInstall {
		inst, err := s.services.Installations.Install(ctx, operatorFrom(r), skill.ID, skill.Manifest.Permissions)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response["installation"] = inst
	}

	writeJSON(w, response)
}

// handleListInstalled handles GET /api/skills/installed.
func (s *Server) handleListInstalled(w http.ResponseWriter, r *http.Request) {
	details, err := s.services.Installations.List(r.Context(), operatorFrom(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":       true,
		"installations": details,
	})
}

// handleListMarketplace handles GET /api/skills/marketplace.
func (s *Server) handleListMarketplace(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	skills, err := s.services.Registry.ListMarketplace(r.Context(), registry.Filter{
		Category: query.Get("category"),
		Search:   query.Get("search"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"skills":  skills,
	})
}

// handleOnboarding handles POST /api/installations/{id}/onboarding.
func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	inst, err := s.services.Installations.Configure(r.Context(), operatorFrom(r), mux.Vars(r)["id"], req.Data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":      true,
		"installation": inst,
	})
}

// handleOnboardingSchema handles GET /api/installations/{id}/onboarding/schema.
func (s *Server) handleOnboardingSchema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	inst, err := s.services.Installations.Get(ctx, operatorFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	skill, err := s.services.Registry.GetSkill(ctx, inst.SkillID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"schema":  fieldSchema(skill.Manifest.Onboarding),
	})
}

// handleUpdateConfig handles PUT /api/installations/{id}. The config
// payload goes through the same onboarding validation as the dedicated
// onboarding endpoint.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]any `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	inst, err := s.services.Installations.Configure(r.Context(), operatorFrom(r), mux.Vars(r)["id"], req.Config)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success":      true,
		"installation": inst,
	})
}

// handleExecute handles POST /api/installations/{id}/execute. The
// reserved actions pause and resume toggle the installation status;
// anything else runs through the execution engine.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	operatorID := operatorFrom(r)

	var input engine.Input
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, r, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	switch input.Action {
	case "pause":
		inst, err := s.services.Installations.Pause(ctx, operatorID, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "installation": inst})
	case "resume":
		inst, err := s.services.Installations.Resume(ctx, operatorID, id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "installation": inst})
	default:
		result, err := s.services.Engine.Execute(ctx, operatorID, id, input)
		if err != nil {
			// A failed action still produced a log entry; surface it
			// alongside the error.
			if result != nil && result.Entry != nil {
				writeErrorWith(w, r, statusForError(err), err, map[string]any{"entry": result.Entry})
				return
			}
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, map[string]any{"success": true, "entry": result.Entry})
	}
}

// handleUninstall handles DELETE /api/installations/{id}.
func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Installations.Uninstall(r.Context(), operatorFrom(r), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogs handles GET /api/installations/{id}/logs?limit=N.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	entries, err := s.services.Engine.Logs(r.Context(), operatorFrom(r), mux.Vars(r)["id"], limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"entries": entries,
	})
}

// handleRollback handles POST /api/installations/{id}/rollback/{logId}.
func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.services.Engine.Revert(r.Context(), operatorFrom(r), vars["id"], vars["logId"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"entry":   result.Entry,
	})
}

// handleHealth handles GET /healthz with process stats.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			stats["rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			stats["cpu_percent"] = cpu
		}
	}

	writeJSON(w, map[string]any{
		"success": true,
		"status":  "ok",
		"version": version.Get(),
		"process": stats,
	})
}

// statusForError maps the error taxonomy to HTTP status codes.
func statusForError(err error) int {
	if _, ok := platform.AsValidationErrors(err); ok {
		return http.StatusBadRequest
	}
	switch {
	case platform.IsPermissionDenied(err), errors.Is(err, platform.ErrPermissionNotDeclared):
		return http.StatusForbidden
	case errors.Is(err, platform.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrNotRunnable),
		errors.Is(err, platform.ErrNotReversible),
		errors.Is(err, platform.ErrDuplicateSlug):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusForError(err), err)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	writeErrorWith(w, r, statusCode, err, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, statusCode int, err error, extra map[string]any) {
	if statusCode >= http.StatusInternalServerError {
		logger.G(r.Context()).WithError(err).Error("request failed")
	} else {
		logger.G(r.Context()).WithError(err).Debug("request rejected")
	}

	response := map[string]any{
		"success": false,
		"error":   err.Error(),
	}
	if ve, ok := platform.AsValidationErrors(err); ok {
		response["errors"] = ve
	}
	for k, v := range extra {
		response[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.G(r.Context()).WithError(err).Error("failed to encode error response")
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
