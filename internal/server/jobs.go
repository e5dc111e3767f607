package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	jobservice "github.com/smallbiznis/genledger/internal/job/service"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
)

type createJobRequest struct {
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
}

type jobView struct {
	ID                string         `json:"id"`
	Capability        string         `json:"capability"`
	Params            map[string]any `json:"params,omitempty"`
	Status            string         `json:"status"`
	Outputs           []string       `json:"outputs"`
	PendingArtifacts  int            `json:"pending_artifacts"`
	PricingRule       string         `json:"pricing_rule"`
	CostBasisCents    int64          `json:"cost_basis_cents"`
	BillingState      string         `json:"billing_state"`
	BilledAmountCents *int64         `json:"billed_amount_cents,omitempty"`
	BilledVia         string         `json:"billed_via,omitempty"`
	Error             string         `json:"error,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

// newJobView exposes durable references once they exist and nothing before that.
func newJobView(job *jobdomain.Job) jobView {
	outputs := job.OutputRefs
	if !job.Materialized() || outputs == nil {
		outputs = []string{}
	}
	return jobView{
		ID:                job.ID.String(),
		Capability:        job.Capability,
		Params:            job.Params,
		Status:            string(job.Status),
		Outputs:           outputs,
		PendingArtifacts:  job.PendingArtifacts,
		PricingRule:       string(job.PricingRule),
		CostBasisCents:    job.CostBasisCents,
		BillingState:      string(job.BillingState),
		BilledAmountCents: job.BilledAmountCents,
		BilledVia:         string(job.BilledVia),
		Error:             job.Error,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
		CompletedAt:       job.CompletedAt,
	}
}

func (s *Server) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Capability) == "" {
		AbortWithError(c, newValidationError("capability", "required", "capability is required"))
		return
	}

	job, err := s.submitter.Submit(c.Request.Context(), jobservice.SubmitRequest{
		OwnerID:    ownerFromContext(c),
		Capability: req.Capability,
		Params:     req.Params,
	})
	if err != nil {
		var submission *jobdomain.SubmissionError
		if job == nil || errors.As(err, &submission) {
			AbortWithError(c, err)
			return
		}
		// The provider accepted the job; its webhook attaches the reference.
	}

	c.JSON(http.StatusAccepted, gin.H{"data": newJobView(job)})
}

func (s *Server) GetJob(c *gin.Context) {
	id, ok := parseSnowflakeID(c.Param("id"))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}

	job, err := s.query.Poll(c.Request.Context(), ownerFromContext(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newJobView(job)})
}

func (s *Server) ListJobs(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	jobs, page, err := s.query.List(c.Request.Context(), ownerFromContext(c), query.Pagination)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": page})
}
