package api

import (
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin" // Gin web framework

	"rift_escrow/internal/domain"
	"rift_escrow/internal/escrow"
)

// EvidenceRequest is one evidence item; file content is base64 in JSON
type EvidenceRequest struct {
	Kind        domain.EvidenceKind `json:"kind" binding:"required"`
	Text        string              `json:"text"`
	URL         string              `json:"url"`
	Filename    string              `json:"filename"`
	ContentType string              `json:"content_type"`
	Data        []byte              `json:"data"`
}

func evidenceInputs(items []EvidenceRequest) []escrow.EvidenceInput {
	out := make([]escrow.EvidenceInput, len(items))
	for i, e := range items {
		out[i] = escrow.EvidenceInput{Kind: e.Kind, Text: e.Text, URL: e.URL, Filename: e.Filename, ContentType: e.ContentType, Data: e.Data}
	}
	return out
}

// OpenDisputeRequest represents a dispute filed by a participant
type OpenDisputeRequest struct {
	Reason           domain.DisputeReason `json:"reason" binding:"required"` // Fixed reason code
	Summary          string               `json:"summary"`                   // Free text account
	SwornDeclaration bool                 `json:"sworn_declaration"`         // Declaration accepted
	DeclarationText  string               `json:"declaration_text"`          // Typed confirmation
	Evidence         []EvidenceRequest    `json:"evidence" binding:"dive"`   // Supporting items
}

// OpenDisputeHandler puts a deal on hold under a new dispute
func OpenDisputeHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req OpenDisputeRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		d, err := svc.OpenDispute(c.Request.Context(), c.Param("id"), who, escrow.DisputeInput{
			Reason:              req.Reason,
			Summary:             req.Summary,
			DeclarationAccepted: req.SwornDeclaration,
			DeclarationText:     req.DeclarationText,
			Evidence:            evidenceInputs(req.Evidence),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"dispute": d})
	}
}

// GetDisputeHandler returns a dispute with its evidence and action history
func GetDisputeHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		d, err := svc.GetDispute(c.Request.Context(), c.Param("id"), who)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispute": d})
	}
}

// AddEvidenceRequest carries follow-up evidence
type AddEvidenceRequest struct {
	Evidence []EvidenceRequest `json:"evidence" binding:"required,min=1,dive"`
}

// AddEvidenceHandler attaches evidence to an active dispute
func AddEvidenceHandler(svc *escrow.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, ok := caller(c)
		if !ok {
			return
		}
		var req AddEvidenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
		d, err := svc.AddEvidence(c.Request.Context(), c.Param("id"), who, evidenceInputs(req.Evidence))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispute": d})
	}
}
