package api

import (
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin" // Gin web framework

	"rift_escrow/internal/vault"
)

// ListVaultHandler returns asset metadata for a deal; secrets never appear here
func ListVaultHandler(svc *vault.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		assets, err := svc.ListAssets(c.Request.Context(), c.Param("id"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"assets": assets})
	}
}

// RevealHandler returns a sealed secret or a short-lived signed URL for one asset
func RevealHandler(svc *vault.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		res, err := svc.Reveal(c.Request.Context(), c.Param("assetId"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, res)
	}
}

// EvidenceDownloadHandler returns a short-lived signed URL for a dispute evidence file
func EvidenceDownloadHandler(svc *vault.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		link, err := svc.EvidenceURL(c.Request.Context(), c.Param("id"), c.Param("evidenceId"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, link)
	}
}
