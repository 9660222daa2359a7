package middleware

import (
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Structured logging
)

// AdminOnlyMiddleware lets through only callers whose token carries the admin claim.
// It must run after JWTAuthMiddleware.
func AdminOnlyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(UserIDKey) // Get userID from context
		// Check if userID exists in context
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		// Check the staff flag from the token
		if !c.GetBool(AdminKey) {
			logrus.WithFields(logrus.Fields{
				"user_id": userID,       // Caller
				"path":    c.FullPath(), // Admin route
			}).Warn("Admin route refused")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next() // If admin, proceed to the next handler
	}
}
