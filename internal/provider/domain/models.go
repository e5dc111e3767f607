package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
)

// State is the provider-neutral progress of a remote prediction.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

type SubmitRequest struct {
	JobID      snowflake.ID
	Capability string
	Model      string
	Params     map[string]any
	WebhookURL string
}

type StatusResult struct {
	Ref       string
	State     State
	RawStatus string
	Outputs   []OutputDescriptor
	Error     string
}

// Notification is a verified, parsed webhook delivery.
type Notification struct {
	Ref    string
	Result StatusResult
}

type Provider interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	GetStatus(ctx context.Context, ref string) (*StatusResult, error)
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	ParseNotification(ctx context.Context, payload []byte) (*Notification, error)
}

type AdapterConfig struct {
	BaseURL       string
	APIToken      string
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Clock         clock.Clock
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Provider, error)
}
