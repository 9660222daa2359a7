package api

import (
	"context"  // Service calls
	"net/http" // HTTP status codes
	"strconv"  // Path parsing
	"time"     // Event dates

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Money

	"rift_escrow/internal/domain"
	"rift_escrow/internal/escrow"
	"rift_escrow/internal/vault"
)

// MilestoneRequest is one milestone of a new transaction
type MilestoneRequest struct {
	Title         string          `json:"title"`
	Amount        decimal.Decimal `json:"amount"`
	RevisionLimit int             `json:"revision_limit"`
}

// CreateTransactionRequest represents a new escrow deal opened by the buyer
type CreateTransactionRequest struct {
	SellerID      string             `json:"seller_id" binding:"required"` // Counterparty
	ItemType      domain.ItemType    `json:"item_type" binding:"required"` // What is being sold
	Currency      string             `json:"currency" binding:"required"`  // ISO code
	Subtotal      decimal.Decimal    `json:"subtotal"`                     // Item price
	BuyerFeeKind  string             `json:"buyer_fee_kind"`               // percentage or fixed
	BuyerFeeValue string             `json:"buyer_fee_value"`              // Rate or amount
	SellerFeeRate *decimal.Decimal   `json:"seller_fee_rate"`              // Optional override
	EventDate     *time.Time         `json:"event_date"`                   // Tickets only
	EventTimezone string             `json:"event_timezone"`               // Tickets only
	Milestones    []MilestoneRequest `json:"milestones"`                   // Optional staged delivery
}

// CreateTransactionHandler opens a deal with the caller as buyer
func CreateTransactionHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req CreateTransactionRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		in := escrow.CreateInput{
			SellerID:      req.SellerID,
			ItemType:      req.ItemType,
			Currency:      req.Currency,
			Subtotal:      req.Subtotal,
			SellerFeeRate: req.SellerFeeRate,
			EventDate:     req.EventDate,
			EventTimezone: req.EventTimezone,
		}
		if req.BuyerFeeKind != "" {
			fee, err := domain.ParseFeeSpec(req.BuyerFeeKind, req.BuyerFeeValue)
			if err != nil {
				respondError(c, err)
				return
			}
			in.BuyerFee = fee
		}
		for _, m := range req.Milestones {
			in.Milestones = append(in.Milestones, escrow.MilestoneInput{Title: m.Title, Amount: m.Amount, RevisionLimit: m.RevisionLimit})
		}
		t, err := svc.Create(c.Request.Context(), domain.Caller{UserID: who.UserID}, in)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"transaction": t})
	}
}

// ListTransactionsHandler returns the caller's deals, newest first
func ListTransactionsHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		page, pageSize := pagination(c)
		txs, total, err := svc.List(c.Request.Context(), who.UserID, page, pageSize)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transactions": txs,                                    // Page of deals
			"page":         page,                                   // Current page
			"page_size":    pageSize,                               // Page size
			"total":        total,                                  // Total deals
			"total_pages":  (int(total) + pageSize - 1) / pageSize, // Total pages
		})
	}
}

// GetTransactionHandler returns a deal with the actions the caller may take
func GetTransactionHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		view, err := svc.Get(c.Request.Context(), c.Param("id"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// AllowedActionsHandler returns only the caller's role and allowed actions
func AllowedActionsHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		view, err := svc.Get(c.Request.Context(), c.Param("id"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transaction_id":  view.Transaction.ID,
			"status":          view.Transaction.Status,
			"role":            view.Role,
			"allowed_actions": view.AllowedActions,
		})
	}
}

// Transition is an escrow operation on one deal
type Transition func(ctx context.Context, id string, caller domain.Caller) (*domain.Transaction, error)

// TransitionHandler runs a body-less escrow operation on /transactions/:id
func TransitionHandler(op Transition) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		t, err := op(c.Request.Context(), c.Param("id"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": t})
	}
}

// MilestoneTransition is an escrow operation on one milestone
type MilestoneTransition func(ctx context.Context, id string, index int, caller domain.Caller) (*domain.Transaction, error)

// MilestoneHandler runs a milestone operation on /transactions/:id/milestones/:index
func MilestoneHandler(op MilestoneTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		index, err := strconv.Atoi(c.Param("index"))
		if err != nil || index < 0 {
			respondError(c, &domain.ValidationError{Field: "index", Reason: "milestone index must be a non-negative integer"})
			return
		}
		t, err := op(c.Request.Context(), c.Param("id"), index, who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": t})
	}
}

// AssetRequest is one proof item; binary content is base64 in JSON
type AssetRequest struct {
	Type        domain.AssetType `json:"type" binding:"required"`
	Label       string           `json:"label"`
	ContentType string           `json:"content_type"`
	Data        []byte           `json:"data"`
	Secret      string           `json:"secret"`
}

// UploadProofRequest carries the seller's proof of delivery
type UploadProofRequest struct {
	Assets []AssetRequest `json:"assets" binding:"required,min=1,dive"`
}

// UploadProofHandler stores delivery proof and moves the deal to PROOF_SUBMITTED
func UploadProofHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req UploadProofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		inputs := make([]vault.AssetInput, len(req.Assets))
		for i, a := range req.Assets {
			inputs[i] = vault.AssetInput{Type: a.Type, Label: a.Label, ContentType: a.ContentType, Data: a.Data, Secret: a.Secret}
		}
		t, assets, err := svc.UploadProof(c.Request.Context(), c.Param("id"), who, inputs)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": t, "assets": assets})
	}
}
