package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/genledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/genledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxListLimit = 200

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
	Engine     *obsmetrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	obsMetrics *obsmetrics.Metrics
	engine     *obsmetrics.EngineMetrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		engine:     p.Engine,
	}
}

func (s *Service) GetBalance(ctx context.Context, ownerID string) (ledgerdomain.Balance, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidOwner
	}
	balance, err := s.repo.GetBalance(ctx, s.db, ownerID)
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	if balance == nil {
		return ledgerdomain.Balance{OwnerID: ownerID}, nil
	}
	return *balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, ownerID string, limit int) ([]*ledgerdomain.Transaction, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListByOwner(ctx, s.db, ownerID, limit)
}

// TopUp credits an owner. Replaying the same reference returns the original row.
func (s *Service) TopUp(ctx context.Context, req ledgerdomain.TopUpRequest) (*ledgerdomain.Transaction, error) {
	if req.AmountCents <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "topup"
	}
	return s.post(ctx, req.OwnerID, req.AmountCents, ledgerdomain.KindTopUp, req.Reference, source)
}

// Adjust posts a signed manual correction.
func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (*ledgerdomain.Transaction, error) {
	if req.AmountCents == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "adjustment"
	}
	return s.post(ctx, req.OwnerID, req.AmountCents, ledgerdomain.KindAdjustment, req.Reference, source)
}

func (s *Service) post(ctx context.Context, ownerID string, amount int64, kind ledgerdomain.TransactionKind, reference, source string) (*ledgerdomain.Transaction, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ledgerdomain.ErrInvalidOwner
	}
	var ref *string
	if reference = strings.TrimSpace(reference); reference != "" {
		ref = &reference
	}

	var out *ledgerdomain.Transaction
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.EnsureBalance(ctx, tx, ownerID, now); err != nil {
			return err
		}

		txn := &ledgerdomain.Transaction{
			ID:          s.genID.Generate(),
			OwnerID:     ownerID,
			Reference:   ref,
			AmountCents: amount,
			Kind:        kind,
			Source:      source,
			AppliedAt:   &now,
			CreatedAt:   now,
		}
		ok, err := s.repo.InsertTransaction(ctx, tx, txn)
		if err != nil {
			return err
		}
		if !ok {
			if ref == nil {
				return fmt.Errorf("insert %s transaction: conflict without reference", kind)
			}
			existing, err := s.repo.FindByReference(ctx, tx, ownerID, reference)
			if err != nil {
				return err
			}
			if existing == nil {
				return ledgerdomain.ErrNotFound
			}
			if existing.AmountCents != amount || existing.Kind != kind {
				return ledgerdomain.ErrReferenceReused
			}
			out = existing
			return nil
		}

		if _, err := s.repo.ApplyDelta(ctx, tx, ownerID, amount, now); err != nil {
			return err
		}
		out = txn
		inserted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if inserted {
		s.obsMetrics.RecordLedgerTransaction(ctx, string(kind), source)
		s.log.Info("ledger transaction posted",
			zap.String("owner_id", ownerID),
			zap.String("transaction_id", out.ID.String()),
			zap.String("kind", string(kind)),
			zap.Int64("amount_cents", amount),
		)
	}
	return out, nil
}

func (s *Service) SetUnlimited(ctx context.Context, ownerID string, unlimited bool) (ledgerdomain.Balance, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidOwner
	}
	var out ledgerdomain.Balance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := s.repo.EnsureBalance(ctx, tx, ownerID, now); err != nil {
			return err
		}
		if err := s.repo.SetUnlimited(ctx, tx, ownerID, unlimited, now); err != nil {
			return err
		}
		balance, err := s.repo.GetBalance(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		out = *balance
		return nil
	})
	if err != nil {
		return ledgerdomain.Balance{}, err
	}
	s.log.Info("unlimited access updated", zap.String("owner_id", ownerID), zap.Bool("unlimited", unlimited))
	return out, nil
}

// ApplyJobCharge inserts the job's usage row and, only if this call inserted it, moves the
// balance. Owners with unlimited access get a zero-amount row.
func (s *Service) ApplyJobCharge(ctx context.Context, tx *gorm.DB, charge ledgerdomain.JobCharge) (ledgerdomain.ChargeResult, error) {
	if charge.JobID == 0 {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrInvalidJob
	}
	ownerID := strings.TrimSpace(charge.OwnerID)
	if ownerID == "" {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrInvalidOwner
	}
	if charge.SettledCents < 0 {
		return ledgerdomain.ChargeResult{}, ledgerdomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	if err := s.repo.EnsureBalance(ctx, tx, ownerID, now); err != nil {
		return ledgerdomain.ChargeResult{}, err
	}
	balance, err := s.repo.GetBalance(ctx, tx, ownerID)
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}

	amount := -charge.SettledCents
	if balance != nil && balance.UnlimitedAccess {
		amount = 0
	}

	jobID := charge.JobID
	txn := &ledgerdomain.Transaction{
		ID:          s.genID.Generate(),
		OwnerID:     ownerID,
		JobID:       &jobID,
		AmountCents: amount,
		Kind:        ledgerdomain.KindUsage,
		Source:      charge.Source,
		CreatedAt:   now,
	}
	inserted, err := s.repo.InsertTransaction(ctx, tx, txn)
	if err != nil {
		return ledgerdomain.ChargeResult{}, err
	}
	if !inserted {
		existing, err := s.repo.FindByJobID(ctx, tx, jobID)
		if err != nil {
			return ledgerdomain.ChargeResult{}, err
		}
		if existing == nil {
			return ledgerdomain.ChargeResult{}, ledgerdomain.ErrNotFound
		}
		return ledgerdomain.ChargeResult{Inserted: false, Transaction: existing}, nil
	}

	if amount != 0 {
		if _, err := s.repo.ApplyDelta(ctx, tx, ownerID, amount, now); err != nil {
			return ledgerdomain.ChargeResult{}, err
		}
	}
	if _, err := s.repo.MarkApplied(ctx, tx, txn.ID, now); err != nil {
		return ledgerdomain.ChargeResult{}, err
	}
	txn.AppliedAt = &now

	s.obsMetrics.RecordLedgerTransaction(ctx, string(ledgerdomain.KindUsage), charge.Source)
	return ledgerdomain.ChargeResult{Inserted: true, Transaction: txn}, nil
}

// RepairUnapplied replays transactions that were recorded without reaching the balance.
// Each row is claimed by setting applied_at, so concurrent repairers apply it once.
func (s *Service) RepairUnapplied(ctx context.Context, before time.Time, limit int) ([]ledgerdomain.Inconsistency, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	pending, err := s.repo.ListUnapplied(ctx, s.db, before, limit)
	if err != nil {
		return nil, err
	}

	out := make([]ledgerdomain.Inconsistency, 0, len(pending))
	var errs []error
	for _, txn := range pending {
		item := ledgerdomain.Inconsistency{
			TransactionID: txn.ID,
			OwnerID:       txn.OwnerID,
			JobID:         txn.JobID,
			AmountCents:   txn.AmountCents,
			CreatedAt:     txn.CreatedAt,
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			claimed, err := s.repo.MarkApplied(ctx, tx, txn.ID, now)
			if err != nil || !claimed {
				return err
			}
			if err := s.repo.EnsureBalance(ctx, tx, txn.OwnerID, now); err != nil {
				return err
			}
			if txn.AmountCents != 0 {
				if _, err := s.repo.ApplyDelta(ctx, tx, txn.OwnerID, txn.AmountCents, now); err != nil {
					return err
				}
			}
			item.Repaired = true
			return nil
		})
		if err != nil {
			item.Err = err
			errs = append(errs, fmt.Errorf("transaction %s: %w", txn.ID, err))
		}
		s.log.Warn("billing inconsistency",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("owner_id", txn.OwnerID),
			zap.Int64("amount_cents", txn.AmountCents),
			zap.Bool("repaired", item.Repaired),
			zap.Error(err),
		)
		out = append(out, item)
	}
	s.engine.AddInconsistencies(len(out))
	return out, errors.Join(errs...)
}
