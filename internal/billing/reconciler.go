// Package billing charges completed jobs against the owner's balance exactly once.
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	jobdomain "github.com/smallbiznis/genledger/internal/job/domain"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrNotBillable     = errors.New("job_not_billable")
	ErrNotMaterialized = errors.New("job_not_materialized")
	ErrInvalidTrigger  = errors.New("invalid_trigger")

	errJobChanged = errors.New("job changed while billing")
)

// Result describes what a reconcile call observed. Neither flag is an error.
type Result struct {
	AlreadyBilled bool
	RaceLost      bool
	BilledVia     jobdomain.Trigger
	AmountCents   int64
	TransactionID snowflake.ID
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Jobs   jobdomain.Repository
	Ledger ledgerdomain.Service
	Engine *obsmetrics.EngineMetrics `optional:"true"`
}

type Reconciler struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	jobs   jobdomain.Repository
	ledger ledgerdomain.Service
	engine *obsmetrics.EngineMetrics
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:     p.DB,
		log:    p.Log.Named("billing.reconciler"),
		clock:  p.Clock,
		jobs:   p.Jobs,
		ledger: p.Ledger,
		engine: p.Engine,
	}
}

// Settle returns the final cost of a job from what it actually produced.
func Settle(job *jobdomain.Job) int64 {
	if job.PricingRule == jobdomain.PricingPerUnit {
		return int64(len(job.OutputRefs)) * job.UnitCostCents
	}
	return job.CostBasisCents
}

// Reconcile records the usage charge of a succeeded, materialized job. Any number of callers
// may race here; the unique job_id on transactions lets exactly one of them insert, and the
// balance moves in the same database transaction as that insert.
func (r *Reconciler) Reconcile(ctx context.Context, jobID snowflake.ID, via jobdomain.Trigger) (res Result, err error) {
	if !via.Valid() {
		return Result{}, ErrInvalidTrigger
	}
	ctx, span := tracing.Start(ctx, "billing.Reconcile",
		attribute.String("job_id", jobID.String()),
		attribute.String("trigger", string(via)),
	)
	defer func() { tracing.End(span, err) }()
	log := obslogger.WithContext(ctx, r.log).With(zap.String("job_id", jobID.String()), zap.String("trigger", string(via)))

	job, err := r.jobs.FindByID(ctx, r.db, jobID)
	if err != nil {
		return Result{}, err
	}
	if job == nil {
		return Result{}, jobdomain.ErrNotFound
	}
	if job.Billed() {
		r.engine.IncBillingOutcome(string(via), obsmetrics.BillingOutcomeAlreadyBilled)
		return alreadyBilled(job), nil
	}
	if job.Status != jobdomain.StatusSucceeded {
		return Result{}, ErrNotBillable
	}
	if !job.Materialized() {
		return Result{}, ErrNotMaterialized
	}

	settled := Settle(job)
	var charge ledgerdomain.ChargeResult
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		charge, err = r.ledger.ApplyJobCharge(ctx, tx, ledgerdomain.JobCharge{
			JobID:        job.ID,
			OwnerID:      job.OwnerID,
			SettledCents: settled,
			Source:       string(via),
		})
		if err != nil {
			return err
		}

		billedVia := via
		if !charge.Inserted {
			if winner := jobdomain.Trigger(charge.Transaction.Source); winner.Valid() {
				billedVia = winner
			}
		}
		ok, err := r.jobs.MarkBilled(ctx, tx, jobdomain.BillingUpdate{
			ID:           job.ID,
			AmountCents:  -charge.Transaction.AmountCents,
			SettledCents: settled,
			Via:          billedVia,
			At:           r.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !ok && charge.Inserted {
			return errJobChanged
		}
		return nil
	})
	if err != nil {
		r.engine.IncBillingOutcome(string(via), obsmetrics.BillingOutcomeError)
		log.Error("reconcile failed", zap.Error(err))
		return Result{}, fmt.Errorf("reconcile job %s: %w", jobID, err)
	}

	txn := charge.Transaction
	res = Result{
		AmountCents:   -txn.AmountCents,
		TransactionID: txn.ID,
		BilledVia:     via,
	}
	if !charge.Inserted {
		res.RaceLost = true
		if winner := jobdomain.Trigger(txn.Source); winner.Valid() {
			res.BilledVia = winner
		}
		r.engine.IncBillingOutcome(string(via), obsmetrics.BillingOutcomeRaceLost)
		log.Info("billing race lost", zap.String("billed_via", string(res.BilledVia)))
		return res, nil
	}

	r.engine.IncBillingOutcome(string(via), obsmetrics.BillingOutcomeBilled)
	r.engine.AddBilledCents(job.Capability, res.AmountCents)
	log.Info("job billed",
		zap.String("owner_id", job.OwnerID),
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("settled_cents", settled),
		zap.Int64("amount_cents", res.AmountCents),
	)
	return res, nil
}

func alreadyBilled(job *jobdomain.Job) Result {
	res := Result{AlreadyBilled: true, BilledVia: job.BilledVia}
	if job.BilledAmountCents != nil {
		res.AmountCents = *job.BilledAmountCents
	}
	return res
}

var Module = fx.Module("billing",
	fx.Provide(NewReconciler),
)
