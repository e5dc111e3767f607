package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
)

const maxTransactionsLimit = 100

type transactionView struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	AmountCents int64     `json:"amount_cents"`
	Kind        string    `json:"kind"`
	Source      string    `json:"source"`
	Applied     bool      `json:"applied"`
	CreatedAt   time.Time `json:"created_at"`
}

func newTransactionView(t *ledgerdomain.Transaction) transactionView {
	view := transactionView{
		ID:          t.ID.String(),
		AmountCents: t.AmountCents,
		Kind:        string(t.Kind),
		Source:      t.Source,
		Applied:     t.Applied(),
		CreatedAt:   t.CreatedAt,
	}
	if t.JobID != nil {
		view.JobID = t.JobID.String()
	}
	if t.Reference != nil {
		view.Reference = *t.Reference
	}
	return view
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.ledger.GetBalance(c.Request.Context(), ownerFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) ListTransactions(c *gin.Context) {
	limit, ok := parseOptionalInt(c.Query("limit"), 20)
	if !ok || limit <= 0 || limit > maxTransactionsLimit {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}

	txns, err := s.ledger.ListTransactions(c.Request.Context(), ownerFromContext(c), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	views := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		views = append(views, newTransactionView(t))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

type postTransactionRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Reference   string `json:"reference"`
	Source      string `json:"source"`
}

// TopUpOwner credits an owner. Replaying the same reference and amount returns the
// original transaction.
func (s *Server) TopUpOwner(c *gin.Context) {
	var req postTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.ledger.TopUp(c.Request.Context(), ledgerdomain.TopUpRequest{
		OwnerID:     c.Param("owner_id"),
		AmountCents: req.AmountCents,
		Reference:   strings.TrimSpace(req.Reference),
		Source:      req.Source,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newTransactionView(txn)})
}

func (s *Server) AdjustOwner(c *gin.Context) {
	var req postTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.ledger.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		OwnerID:     c.Param("owner_id"),
		AmountCents: req.AmountCents,
		Reference:   strings.TrimSpace(req.Reference),
		Source:      req.Source,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newTransactionView(txn)})
}

type setUnlimitedRequest struct {
	Unlimited *bool `json:"unlimited"`
}

func (s *Server) SetOwnerUnlimited(c *gin.Context) {
	var req setUnlimitedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Unlimited == nil {
		AbortWithError(c, newValidationError("unlimited", "required", "unlimited is required"))
		return
	}

	balance, err := s.ledger.SetUnlimited(c.Request.Context(), c.Param("owner_id"), *req.Unlimited)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": balance})
}

type putSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) GetSettings(c *gin.Context) {
	current, err := s.settings.Get(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"submissions_paused":        current.SubmissionsPaused,
		"max_active_jobs_per_owner": current.MaxActiveJobsPerOwner,
	}})
}

func (s *Server) PutSetting(c *gin.Context) {
	var req putSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.settings.Set(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
