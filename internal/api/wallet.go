package api

import (
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging library

	"rift_escrow/internal/ledger" // Wallet reads
)

// GetWalletHandler returns the caller's available and pending balance per currency
func GetWalletHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c) // Get the caller from context
		if !ok {
			return
		}
		wallets, cached, err := svc.Wallets(c.Request.Context(), who.UserID) // Cache first, ledger otherwise
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"user_id": who.UserID,  // User ID
				"error":   err.Error(), // Error message
			}).Error("Failed to load wallet")
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": who.UserID, "wallets": wallets, "cached": cached}) // Return wallet info
	}
}

// GetEntriesHandler returns the caller's ledger history, newest first
func GetEntriesHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c) // Get the caller from context
		if !ok {
			return
		}
		page, pageSize := pagination(c) // Read pagination parameters
		res, cached, err := svc.Entries(c.Request.Context(), who.UserID, page, pageSize)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"entries":     res.Entries,    // Page of entries
			"page":        res.Page,       // Current page
			"page_size":   res.PageSize,   // Page size
			"total":       res.Total,      // Total entries
			"total_pages": res.TotalPages, // Total pages
			"cached":      cached,         // Served from cache
		})
	}
}
