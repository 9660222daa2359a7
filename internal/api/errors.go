package api

import (
	"errors"   // Error matching
	"net/http" // HTTP status codes
	"strconv"  // Query parsing

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Structured logging

	"rift_escrow/internal/domain"     // Typed errors
	"rift_escrow/internal/middleware" // Context keys
)

// caller builds the acting identity from the token claims. The role on a transaction
// is resolved by the services; only the admin flag comes from the token.
func caller(c *gin.Context) (domain.Caller, bool) {
	userID := c.GetString(middleware.UserIDKey) // Get userID from context
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return domain.Caller{}, false
	}
	if c.GetBool(middleware.AdminKey) {
		return domain.Caller{UserID: userID, Role: domain.RoleAdmin}, true
	}
	return domain.Caller{UserID: userID}, true
}

// pagination reads page and page_size with the usual defaults
func pagination(c *gin.Context) (int, int) {
	page := 1      // Default page
	pageSize := 20 // Default page size
	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v // Set page if valid
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v // Set page size if valid
		}
	}
	return page, pageSize
}

// badRequest answers a body that could not be bound
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "detail": err.Error()})
}

// respondError maps a service error onto a status code and a body naming the failed precondition
func respondError(c *gin.Context, err error) {
	var (
		pd *domain.PermissionDeniedError
		it *domain.InvalidTransitionError
		ve *domain.ValidationError
		ap *domain.AlreadyProcessedError
		cm *domain.ConcurrentModificationError
		xe *domain.ExternalServiceError
	)
	switch {
	case errors.As(err, &pd):
		c.JSON(http.StatusForbidden, gin.H{
			"error":  "permission_denied",
			"status": pd.Status, // Status the check ran against
			"role":   pd.Role,   // Caller role on the transaction
			"action": pd.Action, // Refused action
			"reason": pd.Reason,
		})
	case errors.As(err, &it):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "from": it.From, "to": it.To})
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation_failed", "field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &ap):
		c.JSON(http.StatusConflict, gin.H{"error": "already_processed", "action": ap.Action, "status": ap.Status})
	case errors.As(err, &cm):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "transaction_id": cm.TransactionID})
	case errors.As(err, &xe):
		status := http.StatusBadGateway
		if xe.Retryable {
			status = http.StatusServiceUnavailable
		}
		logrus.WithFields(logrus.Fields{
			"path":      c.FullPath(), // Route
			"service":   xe.Service,   // External dependency
			"retryable": xe.Retryable, // Safe to retry
			"unknown":   xe.Unknown,   // Outcome unknown, reconciliation pending
			"error":     err.Error(),  // Cause
		}).Error("External call failed")
		c.JSON(status, gin.H{"error": "external_service", "service": xe.Service, "retryable": xe.Retryable, "unknown": xe.Unknown})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "detail": err.Error()})
	default:
		logrus.WithFields(logrus.Fields{
			"path":  c.FullPath(), // Route
			"error": err.Error(),  // Cause
		}).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
