package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/auth"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services/workqueue"
)

// QueueInspector exposes work queue state for operators.
type QueueInspector interface {
	Progress() workqueue.Progress
	GetTasks() []workqueue.TaskSnapshot
	History() []workqueue.TaskSnapshot
}

var _ QueueInspector = (*workqueue.Queue)(nil)

// UpdateMappingRequest for PUT /api/admin/mappings/{project_id}
type UpdateMappingRequest struct {
	HostingGroupID   int64 `json:"hosting_group_id,omitempty" validate:"omitempty,gt=0"`
	HostingProjectID int64 `json:"hosting_project_id,omitempty" validate:"omitempty,gt=0"`
}

// InvalidateResponse reports how many cached identities were dropped.
type InvalidateResponse struct {
	Removed int64 `json:"removed"`
}

// QueueResponse for GET /api/admin/queue
type QueueResponse struct {
	Progress workqueue.Progress       `json:"progress"`
	Tasks    []workqueue.TaskSnapshot `json:"tasks"`
	History  []workqueue.TaskSnapshot `json:"history"`
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	events       services.TrackerEventService
	mappings     services.GroupMappingIndex
	orchestrator services.Orchestrator
	hostingAdmin services.HostingAdminService
	queue        QueueInspector
	validate     *validator.Validate
	logger       *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(
	events services.TrackerEventService,
	mappings services.GroupMappingIndex,
	orchestrator services.Orchestrator,
	hostingAdmin services.HostingAdminService,
	queue QueueInspector,
	validate *validator.Validate,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		events:       events,
		mappings:     mappings,
		orchestrator: orchestrator,
		hostingAdmin: hostingAdmin,
		queue:        queue,
		validate:     validate,
		logger:       logger.Named("admin-handler"),
	}
}

// RegisterRoutes registers the admin handler's routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	base := "/api/admin"

	mux.HandleFunc("GET "+base+"/mappings/{project_id}", authMiddleware.RequireAdmin(h.GetMapping))
	mux.HandleFunc("PUT "+base+"/mappings/{project_id}", authMiddleware.RequireAdmin(h.UpdateMapping))
	mux.HandleFunc("DELETE "+base+"/identity-cache", authMiddleware.RequireAdmin(h.ClearIdentityCache))
	mux.HandleFunc("DELETE "+base+"/identity-cache/{user_id}", authMiddleware.RequireAdmin(h.InvalidateIdentity))
	mux.HandleFunc("GET "+base+"/identity-cache/stats", authMiddleware.RequireAdmin(h.IdentityCacheStats))
	mux.HandleFunc("GET "+base+"/queue", authMiddleware.RequireAdmin(h.Queue))
	mux.HandleFunc("GET "+base+"/groups", authMiddleware.RequireAdmin(h.ListGroups))
	mux.HandleFunc("GET "+base+"/groups/{group_id}/orphan-projects", authMiddleware.RequireAdmin(h.OrphanProjects))
}

// GetMapping handles GET /api/admin/mappings/{project_id}
func (h *AdminHandler) GetMapping(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	mapping, err := h.mappings.FindMapping(r.Context(), projectID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get mapping", err, zap.Int64("tracker_project_id", projectID))
		return
	}
	if mapping == nil {
		writeError(w, h.logger, http.StatusNotFound, "mapping_not_found", "Project has no hosting mapping")
		return
	}

	writeData(w, h.logger, http.StatusOK, mapping)
}

// UpdateMapping handles PUT /api/admin/mappings/{project_id}
func (h *AdminHandler) UpdateMapping(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateMappingRequest
	if !decodeBody(w, r, h.validate, h.logger, &req) {
		return
	}

	mapping, err := h.events.LinkProject(r.Context(), models.MappingChange{
		TrackerProjectID: projectID,
		HostingGroupID:   req.HostingGroupID,
		HostingProjectID: req.HostingProjectID,
	})
	if err != nil {
		writeServiceError(w, h.logger, "Failed to update mapping", err,
			zap.Int64("tracker_project_id", projectID),
			zap.Int64("hosting_group_id", req.HostingGroupID),
			zap.Int64("hosting_project_id", req.HostingProjectID))
		return
	}

	h.logger.Info("Mapping updated by operator",
		zap.Int64("tracker_project_id", projectID),
		zap.Int64("hosting_group_id", mapping.GroupID()),
		zap.String("subject", auth.SubjectFromContext(r.Context())))
	writeData(w, h.logger, http.StatusOK, mapping)
}

// ClearIdentityCache handles DELETE /api/admin/identity-cache
func (h *AdminHandler) ClearIdentityCache(w http.ResponseWriter, r *http.Request) {
	h.invalidate(w, r, 0)
}

// InvalidateIdentity handles DELETE /api/admin/identity-cache/{user_id}
func (h *AdminHandler) InvalidateIdentity(w http.ResponseWriter, r *http.Request) {
	userID, ok := ParseUserID(w, r, h.logger)
	if !ok {
		return
	}
	h.invalidate(w, r, userID)
}

func (h *AdminHandler) invalidate(w http.ResponseWriter, r *http.Request, userID int64) {
	removed, err := h.orchestrator.InvalidateIdentityCache(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to invalidate identity cache", err, zap.Int64("tracker_user_id", userID))
		return
	}
	writeData(w, h.logger, http.StatusOK, InvalidateResponse{Removed: removed})
}

// IdentityCacheStats handles GET /api/admin/identity-cache/stats
func (h *AdminHandler) IdentityCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orchestrator.GetIdentityCacheStats(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to get identity cache stats", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, stats)
}

// Queue handles GET /api/admin/queue
func (h *AdminHandler) Queue(w http.ResponseWriter, r *http.Request) {
	writeData(w, h.logger, http.StatusOK, QueueResponse{
		Progress: h.queue.Progress(),
		Tasks:    h.queue.GetTasks(),
		History:  h.queue.History(),
	})
}

// ListGroups handles GET /api/admin/groups
func (h *AdminHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.hostingAdmin.ListGroups(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list hosting groups", err)
		return
	}
	writeData(w, h.logger, http.StatusOK, groups)
}

// OrphanProjects handles GET /api/admin/groups/{group_id}/orphan-projects
func (h *AdminHandler) OrphanProjects(w http.ResponseWriter, r *http.Request) {
	groupID, ok := ParseGroupID(w, r, h.logger)
	if !ok {
		return
	}

	projects, err := h.hostingAdmin.OrphanProjects(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to list orphan projects", err, zap.Int64("hosting_group_id", groupID))
		return
	}
	writeData(w, h.logger, http.StatusOK, projects)
}
