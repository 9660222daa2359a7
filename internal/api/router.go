package api

import (
	"github.com/gin-gonic/gin" // Gin web framework

	"rift_escrow/internal/escrow"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/metrics"
	"rift_escrow/internal/middleware"
	"rift_escrow/internal/vault"
)

// Deps are the services behind the HTTP surface
type Deps struct {
	Escrow    *escrow.Service
	Ledger    *ledger.Service
	Vault     *vault.Service
	JWTSecret string
	Limiter   *middleware.RateLimiter // Optional
}

// RegisterRoutes mounts every route on r
func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(metrics.GinMiddleware())
	r.GET("/metrics", gin.WrapH(metrics.Handler())) // Prometheus scrape endpoint

	auth := []gin.HandlerFunc{middleware.JWTAuthMiddleware(d.JWTSecret)}
	if d.Limiter != nil {
		auth = append(auth, d.Limiter.Middleware())
	}
	with := func(h ...gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc{}, auth...), h...)
	}

	// Transaction routes (protected by JWT)
	tx := r.Group("/transactions", auth...)
	tx.POST("", CreateTransactionHandler(d.Escrow))                 // Open a deal
	tx.GET("", ListTransactionsHandler(d.Escrow))                   // Caller's deals
	tx.GET("/:id", GetTransactionHandler(d.Escrow))                 // Deal snapshot
	tx.GET("/:id/actions", AllowedActionsHandler(d.Escrow))         // Allowed actions
	tx.POST("/:id/pay", TransitionHandler(d.Escrow.Pay))            // Fund
	tx.POST("/:id/cancel", TransitionHandler(d.Escrow.Cancel))      // Cancel before funding
	tx.POST("/:id/proof", UploadProofHandler(d.Escrow))             // Seller proof
	tx.POST("/:id/review", TransitionHandler(d.Escrow.BeginReview)) // Buyer starts review
	tx.POST("/:id/release", TransitionHandler(d.Escrow.Release))    // Release to seller
	tx.POST("/:id/milestones/:index/submit", MilestoneHandler(d.Escrow.SubmitMilestone))
	tx.POST("/:id/milestones/:index/revision", MilestoneHandler(d.Escrow.RequestRevision))
	tx.POST("/:id/milestones/:index/release", MilestoneHandler(d.Escrow.ReleaseMilestone))
	tx.GET("/:id/vault", ListVaultHandler(d.Vault))        // Proof metadata
	tx.POST("/:id/disputes", OpenDisputeHandler(d.Escrow)) // Open dispute

	r.POST("/vault/assets/:assetId/reveal", with(RevealHandler(d.Vault))...)

	disputes := r.Group("/disputes", auth...)
	disputes.GET("/:id", GetDisputeHandler(d.Escrow))                           // Dispute with history
	disputes.POST("/:id/evidence", AddEvidenceHandler(d.Escrow))                // Follow-up evidence
	disputes.GET("/:id/evidence/:evidenceId", EvidenceDownloadHandler(d.Vault)) // Signed evidence URL

	// Wallet routes (protected by JWT)
	wallet := r.Group("/wallet", auth...)
	wallet.GET("", GetWalletHandler(d.Ledger))          // Balances
	wallet.GET("/entries", GetEntriesHandler(d.Ledger)) // History

	// Admin routes (protected, admin only)
	admin := r.Group("/admin", with(middleware.AdminOnlyMiddleware())...)
	admin.GET("/disputes", ListDisputesHandler(d.Escrow))
	admin.POST("/disputes/:id/request-info", DecisionHandler(d.Escrow.RequestInfo))
	admin.POST("/disputes/:id/resolve-buyer", DecisionHandler(d.Escrow.ResolveBuyer))
	admin.POST("/disputes/:id/resolve-seller", DecisionHandler(d.Escrow.ResolveSeller))
	admin.POST("/disputes/:id/reject", DecisionHandler(d.Escrow.Reject))
	admin.POST("/transactions/:id/chargeback", ChargebackHandler(d.Escrow))
	admin.POST("/wallets/:userId/adjustments", AdjustmentHandler(d.Ledger))
	admin.POST("/vault/assets/:assetId/scan", ScanHandler(d.Vault))
}
