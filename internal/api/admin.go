package api

import (
	"context"  // Service calls
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money

	"rift_escrow/internal/domain"
	"rift_escrow/internal/escrow"
	"rift_escrow/internal/ledger"
	"rift_escrow/internal/vault"
)

// ListDisputesHandler returns the active dispute queue, most urgent first
func ListDisputesHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		page, pageSize := pagination(c) // Read pagination parameters
		res, err := svc.DisputeQueue(c.Request.Context(), who, page, pageSize)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// DecisionRequest is an admin decision on a dispute
type DecisionRequest struct {
	Note string `json:"note"` // Required except for request-info
}

// Decision is an admin dispute operation
type Decision func(ctx context.Context, disputeID string, caller domain.Caller, note string) (*domain.Dispute, error)

// DecisionHandler runs request-info, resolve-buyer, resolve-seller or reject
func DecisionHandler(op Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req DecisionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, err)
				return
			}
		}
		d, err := op(c.Request.Context(), c.Param("id"), who, req.Note)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispute": d})
	}
}

// ChargebackRequest records a processor chargeback against the seller
type ChargebackRequest struct {
	Amount    decimal.Decimal `json:"amount"`    // Charged back amount
	Note      string          `json:"note"`      // Required
	Reference string          `json:"reference"` // Processor dispute id, used as idempotency key
}

// ChargebackHandler debits the seller wallet for a chargeback
func ChargebackHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req ChargebackRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		entry, err := svc.Chargeback(c.Request.Context(), c.Param("id"), who, escrow.ChargebackInput{
			Amount:         req.Amount,
			Note:           req.Note,
			IdempotencyKey: req.Reference,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"entry": entry})
	}
}

// AdjustmentRequest is a signed manual correction
type AdjustmentRequest struct {
	Currency       string          `json:"currency" binding:"required"` // ISO code
	Amount         decimal.Decimal `json:"amount"`                      // Signed
	Note           string          `json:"note"`                        // Required
	IdempotencyKey string          `json:"idempotency_key"`             // Optional
}

// AdjustmentHandler writes an ADJUSTMENT entry to a user's wallet
func AdjustmentHandler(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req AdjustmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		entry, err := svc.Adjust(c.Request.Context(), ledger.AdjustmentRequest{
			AdminID:        who.UserID,
			UserID:         c.Param("userId"),
			Currency:       req.Currency,
			Amount:         req.Amount,
			Note:           req.Note,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"entry": entry})
	}
}

// ScanRequest is a malware scan verdict
type ScanRequest struct {
	Status domain.ScanStatus `json:"status" binding:"required"` // PASS or FAIL
}

// ScanHandler records a scan verdict on an uploaded file
func ScanHandler(svc *vault.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req ScanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		asset, err := svc.UpdateScan(c.Request.Context(), c.Param("assetId"), req.Status, who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"asset": asset})
	}
}
