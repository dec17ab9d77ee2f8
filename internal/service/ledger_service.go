package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"openbudget/internal/ledger"
	"openbudget/internal/runtime"
	"openbudget/pkg/logger"
	"openbudget/pkg/otel"
	"openbudget/pkg/util"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Invalidator drops cached views of the given addresses.
type Invalidator interface {
	Invalidate(addrs ...ledger.Address)
}

// LedgerService submits instructions to the executor. It adds request
// idempotency and keeps the query cache coherent with committed state.
type LedgerService struct {
	exec   *runtime.Executor
	idem   *util.IdempotencyStore
	cache  Invalidator
	logger *zap.Logger
}

// NewLedgerService creates the service. idem and cache may be nil.
func NewLedgerService(exec *runtime.Executor, idem *util.IdempotencyStore, cache Invalidator, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		exec:   exec,
		idem:   idem,
		cache:  cache,
		logger: logger,
	}
}

// Submit runs ix for signer. With a non-empty idempotencyKey a repeated
// submission returns the first receipt and replayed is true.
func (s *LedgerService) Submit(ctx context.Context, signer ledger.Pubkey, ix runtime.Instruction, idempotencyKey string) (receipt *runtime.Receipt, replayed bool, err error) {
	ctx, span := otel.StartSpan(ctx, "ledger."+ix.Name())
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.instruction", ix.Name()),
		attribute.String("ledger.signer", signer.String()),
	)
	log := logger.WithTrace(ctx, s.logger)

	if idempotencyKey != "" && s.idem != nil {
		stored, err := s.idem.Begin(ctx, signer.String(), idempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if stored != nil {
			var r runtime.Receipt
			if err := json.Unmarshal(stored, &r); err != nil {
				return nil, false, fmt.Errorf("decode stored receipt: %w", err)
			}
			log.Info("Idempotent replay",
				zap.String("instruction", ix.Name()),
				zap.String("idempotency_key", idempotencyKey),
			)
			span.SetAttributes(attribute.Bool("ledger.replayed", true))
			return &r, true, nil
		}
	}

	receipt, err = s.exec.Execute(ctx, signer, ix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, runtime.RejectionName(err))
		if idempotencyKey != "" && s.idem != nil {
			if abortErr := s.idem.Abort(context.WithoutCancel(ctx), signer.String(), idempotencyKey); abortErr != nil {
				log.Warn("Failed to release idempotency key", zap.Error(abortErr))
			}
		}
		return nil, false, err
	}

	if s.cache != nil {
		s.cache.Invalidate(receipt.Created...)
		s.cache.Invalidate(receipt.Updated...)
	}

	if idempotencyKey != "" && s.idem != nil {
		body, err := json.Marshal(receipt)
		if err == nil {
			err = s.idem.Complete(context.WithoutCancel(ctx), signer.String(), idempotencyKey, body)
		}
		if err != nil {
			// transition stays committed
			log.Warn("Failed to store idempotent receipt", zap.Error(err))
		}
	}
	return receipt, false, nil
}

// IsInFlight reports whether err means a duplicate request is still running.
func IsInFlight(err error) bool {
	return errors.Is(err, util.ErrRequestInFlight)
}
