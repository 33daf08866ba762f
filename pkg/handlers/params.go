package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ParseProjectID extracts the tracker project ID from the request path.
// Returns the ID and true on success, or 0 and false on error
// (after writing an error response).
// Expects path parameter: project_id
func ParseProjectID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	return parseID(w, r, "project_id", "invalid_project_id", "Invalid project ID", logger)
}

// ParseUserID extracts the tracker user ID from the request path.
// Expects path parameter: user_id
func ParseUserID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	return parseID(w, r, "user_id", "invalid_user_id", "Invalid user ID", logger)
}

// ParseGroupID extracts the hosting group ID from the request path.
// Expects path parameter: group_id
func ParseGroupID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (int64, bool) {
	return parseID(w, r, "group_id", "invalid_group_id", "Invalid group ID", logger)
}

// parseID is the internal helper that does the actual parsing work.
// IDs must be positive.
func parseID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(pathParam), 10, 64)
	if err != nil || id <= 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return 0, false
	}
	return id, true
}
