package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further status change is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Active() bool {
	return s == StatusStarting || s == StatusProcessing
}

// CanTransition encodes the lifecycle: starting -> processing, any active state -> a terminal
// state, and nothing out of a terminal state.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusStarting:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	default:
		return false
	}
}

type PricingRule string

const (
	PricingFlat    PricingRule = "flat"
	PricingPerUnit PricingRule = "per_unit"
)

type BillingState string

const (
	BillingPending  BillingState = "pending"
	BillingComplete BillingState = "complete"
)

// Trigger names the path that observed a job's progress.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerPoll    Trigger = "poll"
	TriggerSweep   Trigger = "sweep"
	TriggerRepair  Trigger = "repair"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerWebhook, TriggerPoll, TriggerSweep, TriggerRepair:
		return true
	default:
		return false
	}
}

const ErrorNoOutput = "no output produced"

// Job is one asynchronous generation request and its billing state.
type Job struct {
	ID             snowflake.ID
	OwnerID        string
	Capability     string
	Params         map[string]any
	Provider       string
	ProviderRef    string
	Status         Status
	PricingRule    PricingRule
	UnitCostCents  int64
	RequestedUnits int
	CostBasisCents int64

	SettledCostCents *int64
	RawOutputs       []string
	OutputRefs       []string
	MaterializedAt   *time.Time
	PendingArtifacts int
	RepairAttempts   int

	BillingState      BillingState
	BilledAmountCents *int64
	BilledVia         Trigger
	Error             string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (j *Job) Materialized() bool {
	return j != nil && j.MaterializedAt != nil
}

func (j *Job) Billed() bool {
	return j != nil && j.BillingState == BillingComplete
}

// NeedsCompletion reports whether a trigger still has work to do for this job.
func (j *Job) NeedsCompletion() bool {
	if j == nil {
		return false
	}
	if j.Status.Active() {
		return true
	}
	return j.Status == StatusSucceeded && (!j.Materialized() || !j.Billed())
}

// Row is the storage shape of a job.
type Row struct {
	ID                     snowflake.ID   `gorm:"column:id"`
	OwnerID                string         `gorm:"column:owner_id"`
	Capability             string         `gorm:"column:capability"`
	Params                 datatypes.JSON `gorm:"column:params"`
	Provider               string         `gorm:"column:provider"`
	ProviderRef            *string        `gorm:"column:provider_ref"`
	Status                 string         `gorm:"column:status"`
	PricingRule            string         `gorm:"column:pricing_rule"`
	UnitCostCents          int64          `gorm:"column:unit_cost_cents"`
	RequestedUnits         int            `gorm:"column:requested_units"`
	CostBasisCents         int64          `gorm:"column:cost_basis_cents"`
	SettledCostCents       *int64         `gorm:"column:settled_cost_cents"`
	RawOutputs             datatypes.JSON `gorm:"column:raw_outputs"`
	OutputRefs             datatypes.JSON `gorm:"column:output_refs"`
	MaterializedAt         *time.Time     `gorm:"column:materialized_at"`
	PendingArtifacts       int            `gorm:"column:pending_artifacts"`
	ArtifactRepairAttempts int            `gorm:"column:artifact_repair_attempts"`
	BillingState           string         `gorm:"column:billing_state"`
	BilledAmountCents      *int64         `gorm:"column:billed_amount_cents"`
	BilledVia              *string        `gorm:"column:billed_via"`
	Error                  *string        `gorm:"column:error"`
	CreatedAt              time.Time      `gorm:"column:created_at"`
	UpdatedAt              time.Time      `gorm:"column:updated_at"`
	CompletedAt            *time.Time     `gorm:"column:completed_at"`
}

func (r Row) ToJob() (*Job, error) {
	params := map[string]any{}
	if err := decodeJSON(r.Params, &params); err != nil {
		return nil, err
	}
	var raw, refs []string
	if err := decodeJSON(r.RawOutputs, &raw); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.OutputRefs, &refs); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		Capability:        r.Capability,
		Params:            params,
		Provider:          r.Provider,
		Status:            Status(r.Status),
		PricingRule:       PricingRule(r.PricingRule),
		UnitCostCents:     r.UnitCostCents,
		RequestedUnits:    r.RequestedUnits,
		CostBasisCents:    r.CostBasisCents,
		SettledCostCents:  r.SettledCostCents,
		RawOutputs:        raw,
		OutputRefs:        refs,
		MaterializedAt:    utcPtr(r.MaterializedAt),
		PendingArtifacts:  r.PendingArtifacts,
		RepairAttempts:    r.ArtifactRepairAttempts,
		BillingState:      BillingState(r.BillingState),
		BilledAmountCents: r.BilledAmountCents,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
		CompletedAt:       utcPtr(r.CompletedAt),
	}
	if r.ProviderRef != nil {
		job.ProviderRef = *r.ProviderRef
	}
	if r.BilledVia != nil {
		job.BilledVia = Trigger(*r.BilledVia)
	}
	if r.Error != nil {
		job.Error = *r.Error
	}
	return job, nil
}

// EncodeJSON marshals v for a JSON column. A nil slice is stored as SQL NULL.
func EncodeJSON(v any) (datatypes.JSON, error) {
	if s, ok := v.([]string); ok && s == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeJSON(raw datatypes.JSON, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
