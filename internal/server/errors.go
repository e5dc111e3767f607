package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/genledger/internal/config"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	providerdomain "github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/internal/settings"
	"github.com/smallbiznis/genledger/internal/webhook"
	"github.com/smallbiznis/genledger/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`

	RequiredCents  *int64 `json:"required_cents,omitempty"`
	AvailableCents *int64 `json:"available_cents,omitempty"`
	JobID          string `json:"job_id,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var funds *jobdomain.InsufficientFundsError
	if errors.As(err, &funds) {
		return http.StatusPaymentRequired, errorPayload{
			Type:           "insufficient_funds",
			Message:        "balance does not cover the job cost",
			RequiredCents:  &funds.RequiredCents,
			AvailableCents: &funds.AvailableCents,
		}
	}

	var submission *jobdomain.SubmissionError
	if errors.As(err, &submission) {
		return http.StatusBadGateway, errorPayload{
			Type:    "submission_failed",
			Message: "the generation provider did not accept the job",
			JobID:   submission.JobID.String(),
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrMissingOwner),
		errors.Is(err, ErrInvalidOwner),
		errors.Is(err, providerdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: unauthorizedMessage(err),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, ledgerdomain.ErrReferenceReused):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, jobdomain.ErrTooManyActiveJobs):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_active_jobs",
			Message: "too many jobs in progress",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, jobdomain.ErrSubmissionsPaused):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "submissions_paused",
			Message: "submissions are paused",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, jobdomain.ErrProviderUnavailable),
		errors.Is(err, providerdomain.ErrProviderNotFound):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and code logged with a failed request.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func unauthorizedMessage(err error) string {
	switch {
	case errors.Is(err, ErrMissingOwner):
		return "owner identity missing"
	case errors.Is(err, ErrInvalidOwner):
		return "owner identity invalid"
	case errors.Is(err, providerdomain.ErrInvalidSignature):
		return "invalid webhook signature"
	default:
		return "unauthorized"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, jobdomain.ErrInvalidOwner),
		errors.Is(err, jobdomain.ErrInvalidCapability),
		errors.Is(err, jobdomain.ErrUnknownCapability),
		errors.Is(err, config.ErrUnknownCapability),
		errors.Is(err, jobdomain.ErrInvalidParams),
		errors.Is(err, ledgerdomain.ErrInvalidOwner),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, settings.ErrUnknownKey),
		errors.Is(err, settings.ErrInvalidValue),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, providerdomain.ErrInvalidPayload),
		errors.Is(err, providerdomain.ErrUnknownStatus):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, jobdomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound),
		errors.Is(err, webhook.ErrUnknownProvider),
		errors.Is(err, webhook.ErrUnknownJob),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, config.ErrUnknownCapability),
		errors.Is(err, jobdomain.ErrUnknownCapability),
		errors.Is(err, jobdomain.ErrInvalidCapability):
		return "invalid_capability"
	case errors.Is(err, jobdomain.ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, jobdomain.ErrInvalidOwner), errors.Is(err, ledgerdomain.ErrInvalidOwner):
		return "invalid_owner"
	case errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, settings.ErrUnknownKey):
		return "unknown_setting"
	case errors.Is(err, settings.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, providerdomain.ErrInvalidPayload), errors.Is(err, providerdomain.ErrUnknownStatus):
		return "invalid_payload"
	case errors.Is(err, pagination.ErrInvalidPageToken):
		return "invalid_page_token"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "invalid_capability":
		return "unknown capability"
	case "unknown_setting":
		return "unknown setting"
	default:
		return "invalid value"
	}
}
