package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-gitsync/pkg/auth"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/models"
	"github.com/ekaya-inc/ekaya-gitsync/pkg/services"
)

// AcceptedResponse acknowledges an event whose hosting work was queued.
type AcceptedResponse struct {
	Accepted bool `json:"accepted"`
}

// EventsHandler ingests tracker lifecycle events.
type EventsHandler struct {
	events   services.TrackerEventService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(events services.TrackerEventService, validate *validator.Validate, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{
		events:   events,
		validate: validate,
		logger:   logger.Named("events-handler"),
	}
}

// RegisterRoutes registers the events handler's routes on the given mux.
func (h *EventsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/events/projects", authMiddleware.RequireTracker(h.ProjectCreated))
	mux.HandleFunc("POST /api/events/members", authMiddleware.RequireTracker(h.MemberCreated))
	mux.HandleFunc("PUT /api/events/members", authMiddleware.RequireTracker(h.MemberUpdated))
	mux.HandleFunc("DELETE /api/events/members/{project_id}/{user_id}", authMiddleware.RequireTracker(h.MemberDestroyed))
}

// ProjectCreated handles POST /api/events/projects
func (h *EventsHandler) ProjectCreated(w http.ResponseWriter, r *http.Request) {
	var event models.ProjectCreatedEvent
	if !decodeBody(w, r, h.validate, h.logger, &event) {
		return
	}

	result, err := h.events.ProjectCreated(r.Context(), event)
	if err != nil {
		writeServiceError(w, h.logger, "Failed to handle project created event", err,
			zap.Int64("tracker_project_id", event.Project.ID))
		return
	}

	writeData(w, h.logger, http.StatusCreated, result)
}

// MemberCreated handles POST /api/events/members
func (h *EventsHandler) MemberCreated(w http.ResponseWriter, r *http.Request) {
	var event models.MemberEvent
	if !decodeBody(w, r, h.validate, h.logger, &event) {
		return
	}

	if err := h.events.MemberCreated(r.Context(), event); err != nil {
		writeServiceError(w, h.logger, "Failed to handle member created event", err,
			zap.Int64("tracker_project_id", event.Membership.ProjectID),
			zap.Int64("tracker_user_id", event.User.ID))
		return
	}

	writeData(w, h.logger, http.StatusAccepted, AcceptedResponse{Accepted: true})
}

// MemberUpdated handles PUT /api/events/members
func (h *EventsHandler) MemberUpdated(w http.ResponseWriter, r *http.Request) {
	var event models.MemberEvent
	if !decodeBody(w, r, h.validate, h.logger, &event) {
		return
	}

	if err := h.events.MemberUpdated(r.Context(), event); err != nil {
		writeServiceError(w, h.logger, "Failed to handle member updated event", err,
			zap.Int64("tracker_project_id", event.Membership.ProjectID),
			zap.Int64("tracker_user_id", event.User.ID))
		return
	}

	writeData(w, h.logger, http.StatusAccepted, AcceptedResponse{Accepted: true})
}

// MemberDestroyed handles DELETE /api/events/members/{project_id}/{user_id}
func (h *EventsHandler) MemberDestroyed(w http.ResponseWriter, r *http.Request) {
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	userID, ok := ParseUserID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.events.MemberDestroyed(r.Context(), projectID, userID); err != nil {
		writeServiceError(w, h.logger, "Failed to handle member destroyed event", err,
			zap.Int64("tracker_project_id", projectID),
			zap.Int64("tracker_user_id", userID))
		return
	}

	writeData(w, h.logger, http.StatusAccepted, AcceptedResponse{Accepted: true})
}
