package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genledger/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20

func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes+1))
	if err != nil || len(payload) > maxWebhookBodyBytes {
		AbortWithError(c, invalidRequestError())
		return
	}

	job, err := s.webhooks.Handle(c.Request.Context(), webhook.Delivery{
		Provider:  provider,
		Payload:   payload,
		Headers:   c.Request.Header,
		JobIDHint: c.Query("job_id"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "job_id": job.ID.String(), "job_status": string(job.Status)})
}
