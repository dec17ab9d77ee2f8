package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openbudget/internal/ledger"
	"openbudget/pkg/metrics"
	"openbudget/pkg/trace"

	"go.uber.org/zap"
)

// Receipt reports the effects of a committed transition.
type Receipt struct {
	Instruction string           `json:"instruction"`
	Signer      ledger.Pubkey    `json:"signer"`
	Timestamp   int64            `json:"timestamp"`
	Created     []ledger.Address `json:"created"`
	Updated     []ledger.Address `json:"updated"`
	Events      []Event          `json:"-"`
}

// Executor runs instructions as atomic transitions against a Store.
type Executor struct {
	store  Store
	clock  Clock
	logger *zap.Logger
}

func NewExecutor(store Store, clock Clock, logger *zap.Logger) *Executor {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Executor{
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Execute applies ix on behalf of signer. Either every record mutation and
// event of ix is committed, or none is and the specific failure is returned.
func (x *Executor) Execute(ctx context.Context, signer ledger.Pubkey, ix Instruction) (*Receipt, error) {
	start := time.Now()
	now := x.clock.Now().Unix()
	traceID := trace.FromContext(ctx)

	var receipt *Receipt
	err := x.store.Update(ctx, func(tx Tx) error {
		// Update may re-run fn; start from a clean receipt each time.
		r := &Receipt{
			Instruction: ix.Name(),
			Signer:      signer,
			Timestamp:   now,
		}
		e := &env{
			ctx:     ctx,
			tx:      tx,
			signer:  signer,
			now:     now,
			traceID: traceID,
			receipt: r,
		}
		if err := ix.apply(e); err != nil {
			return err
		}

		if rec, ok := tx.(EventRecorder); ok {
			for _, ev := range r.Events {
				if err := rec.RecordEvent(ctx, ev); err != nil {
					return fmt.Errorf("record event %s: %w", ev.RoutingKey, err)
				}
			}
		}
		receipt = r
		return nil
	})
	if err != nil {
		fields := []zap.Field{
			zap.String("instruction", ix.Name()),
			zap.String("signer", signer.String()),
			zap.String("trace_id", traceID),
			zap.Error(err),
		}
		if ledger.IsFatal(err) {
			metrics.RecordTransition(ix.Name(), "aborted", time.Since(start))
			x.logger.Error("Transition aborted", fields...)
		} else {
			metrics.RecordTransition(ix.Name(), "rejected", time.Since(start))
			metrics.IncrementRejection(ix.Name(), RejectionName(err))
			x.logger.Info("Transition rejected", fields...)
		}
		return nil, err
	}

	metrics.RecordTransition(ix.Name(), "committed", time.Since(start))
	x.logger.Info("Transition committed",
		zap.String("instruction", ix.Name()),
		zap.String("signer", signer.String()),
		zap.String("trace_id", traceID),
		zap.Int("created", len(receipt.Created)),
		zap.Int("updated", len(receipt.Updated)),
		zap.Int("events", len(receipt.Events)),
	)
	return receipt, nil
}

// View runs fn against a read-only transaction.
func (x *Executor) View(ctx context.Context, fn func(tx Tx) error) error {
	return x.store.View(ctx, fn)
}

// RejectionName names the failure class of err for logs and metrics.
func RejectionName(err error) string {
	if le, ok := ledger.AsError(err); ok {
		return le.Name
	}
	switch {
	case errors.Is(err, ledger.ErrArithmeticOverflow):
		return "ArithmeticOverflow"
	case errors.Is(err, ledger.ErrFieldTooLong):
		return "FieldTooLong"
	case errors.Is(err, ErrAccountInUse):
		return "AccountInUse"
	case errors.Is(err, ErrAccountNotFound):
		return "AccountNotFound"
	case errors.Is(err, ErrAccountType):
		return "AccountType"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	default:
		return "Internal"
	}
}
