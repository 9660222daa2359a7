package middleware

import (
	"net/http" // HTTP status codes
	"strings"  // String manipulation

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Structured logging

	"rift_escrow/internal/utils" // JWT utility functions
)

// Context keys set by JWTAuthMiddleware
const (
	UserIDKey = "userID" // Authenticated user id
	AdminKey  = "admin"  // Staff flag from the token
)

// JWTAuthMiddleware validates bearer tokens issued by the identity provider and stores
// the caller's identity in the request context
func JWTAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization") // Get Authorization header
		// Check if the Authorization header is present and properly formatted
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid Authorization header"})
			return
		}
		tokenStr := strings.TrimPrefix(authHeader, "Bearer ") // Extract the token string
		claims, err := utils.ParseJWT(tokenStr, secret)       // Parse the JWT token
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"path":  c.FullPath(), // Requested route
				"error": err.Error(),  // Parse failure
			}).Debug("Rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		c.Set(UserIDKey, claims.UserID) // Store userID in context
		c.Set(AdminKey, claims.Admin)   // Store staff flag in context
		c.Next()                        // Proceed to the next handler
	}
}
