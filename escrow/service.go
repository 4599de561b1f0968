// Package escrow holds payments in an intermediary account across a job's
// lifecycle: funded when the job is accepted, then released to the worker or
// refunded to the payer.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/metrics"
)

// DefaultPendingTimeout is how long an unconfirmed outgoing transfer blocks a
// new attempt. It exceeds the ledger's transaction validity window, after which
// a transfer that never landed can no longer land.
const DefaultPendingTimeout = 3 * time.Minute

// KeyVault creates escrow account keys.
type KeyVault interface {
	Create(ctx context.Context) (ref, publicKey string, err error)
}

// Settler settles funding payments into escrow accounts.
type Settler interface {
	Settle(ctx context.Context, requirements x402.PaymentRequirements, payload x402.PaymentPayload) (x402.SettleResponse, error)
}

// CreateRequest describes a new escrow.
type CreateRequest struct {
	JobID     string       `json:"jobId"`
	Network   x402.Network `json:"network,omitempty"`
	Asset     string       `json:"asset,omitempty"`
	Amount    string       `json:"amount"`
	Payer     string       `json:"payer"`
	Recipient string       `json:"recipient"`
}

// Config configures a Service.
type Config struct {
	// Network is the only network escrows are held on.
	Network x402.Network
	// Reserve is left in the escrow account on release and refund, in the
	// asset's smallest unit.
	Reserve *big.Int
	// PendingTimeout defaults to DefaultPendingTimeout.
	PendingTimeout time.Duration
	// FundingTimeoutSeconds bounds the age of a funding payment (default 300).
	FundingTimeoutSeconds int
}

// Service runs the escrow state machine. Operations on one escrow are
// serialized in-process, and every status write is conditional on the status
// it was read in, so concurrent instances cannot both close an escrow.
type Service struct {
	cfg       Config
	store     Store
	keys      KeyVault
	transfers x402.Transferer
	settler   Settler
	logger    *zap.Logger
	now       func() time.Time

	locks sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an escrow service.
func NewService(cfg Config, store Store, keys KeyVault, transfers x402.Transferer, settler Settler, opts ...Option) (*Service, error) {
	if _, _, err := cfg.Network.Parse(); err != nil {
		return nil, x402.NewConfigurationError("network", err.Error())
	}
	if store == nil || keys == nil || transfers == nil || settler == nil {
		return nil, x402.NewConfigurationError("escrow", "store, vault, transferer and settler are required")
	}
	if cfg.Reserve == nil {
		cfg.Reserve = new(big.Int)
	}
	if cfg.Reserve.Sign() < 0 {
		return nil, x402.NewConfigurationError("reserve", "must not be negative")
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.FundingTimeoutSeconds <= 0 {
		cfg.FundingTimeoutSeconds = 300
	}

	s := &Service{
		cfg:       cfg,
		store:     store,
		keys:      keys,
		transfers: transfers,
		settler:   settler,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create opens an escrow in status created with a fresh vault-held account.
func (s *Service) Create(ctx context.Context, req CreateRequest) (View, error) {
	if req.Network == "" {
		req.Network = s.cfg.Network
	}
	if err := s.validateCreate(req); err != nil {
		return View{}, err
	}

	ref, address, err := s.keys.Create(ctx)
	if err != nil {
		return View{}, fmt.Errorf("create escrow account: %w", err)
	}

	now := s.now()
	e := Escrow{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		Network:   req.Network,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Payer:     req.Payer,
		Recipient: req.Recipient,
		Address:   address,
		KeyRef:    ref,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrJobExists) {
			return View{}, x402.NewPaymentError(x402.ErrInvalidStateTransition, "job "+req.JobID+" already has an escrow", nil)
		}
		return View{}, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated)).Inc()
	s.logger.Info("escrow created", zap.String("escrow", e.ID), zap.String("job", e.JobID))
	return e.View(), nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	switch {
	case strings.TrimSpace(req.JobID) == "":
		return x402.NewPaymentError(x402.ErrMalformedPayload, "jobId is required", nil)
	case req.Network != s.cfg.Network:
		return x402.NewPaymentError(x402.ErrSchemeOrNetworkMismatch, "escrows are held on "+string(s.cfg.Network), nil)
	case req.Payer == "" || req.Recipient == "":
		return x402.NewPaymentError(x402.ErrMalformedPayload, "payer and recipient are required", nil)
	case req.Asset != "":
		// the escrow account pays its own fees, so it must hold the native asset
		return x402.NewPaymentError(x402.ErrAssetMismatch, "escrows hold the native asset only", nil)
	}
	amount, ok := x402.ParseAtomicAmount(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return x402.NewPaymentError(x402.ErrMalformedPayload, "amount must be a positive integer", nil)
	}
	if amount.Cmp(s.cfg.Reserve) <= 0 {
		return x402.NewPaymentError(x402.ErrInsufficientEscrowBalance, "amount does not exceed the escrow reserve", nil)
	}
	return nil
}

// Requirements returns the payment requirement that funds an escrow.
func (s *Service) Requirements(e *Escrow) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           e.Network,
		MaxAmountRequired: e.Amount,
		Asset:             e.Asset,
		PayTo:             e.Address,
		Resource:          "escrow:" + e.ID,
		Description:       "escrow funding for job " + e.JobID,
		MaxTimeoutSeconds: s.cfg.FundingTimeoutSeconds,
	}
}

// FundingRequirements returns the funding requirement of escrow id.
func (s *Service) FundingRequirements(ctx context.Context, id string) (x402.PaymentRequirements, error) {
	e, err := s.get(ctx, id)
	if err != nil {
		return x402.PaymentRequirements{}, err
	}
	return s.Requirements(e), nil
}

// Fund settles a payment into the escrow account and moves the escrow to
// funded. Retrying with the same payment after an interruption is safe.
func (s *Service) Fund(ctx context.Context, id string, payment x402.PaymentPayload) (View, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if e.Status != StatusCreated {
		return View{}, invalidTransition(e.Status, StatusFunded)
	}

	resp, err := s.settler.Settle(ctx, s.Requirements(e), payment)
	if err != nil {
		return View{}, err
	}
	if !resp.Success {
		return View{}, x402.NewPaymentError(resp.ErrorReason, "funding payment not settled: "+resp.ErrorMessage,
			map[string]interface{}{"status": string(resp.Status), "transaction": resp.Transaction})
	}

	return s.transition(ctx, e, StatusFunded, Update{
		FundingReference: resp.Transaction,
		FundedBy:         resp.Payer,
	})
}

// Release pays the escrow balance, less the reserve, to the recipient.
func (s *Service) Release(ctx context.Context, id string) (View, error) {
	return s.close(ctx, id, StatusReleased)
}

// Refund pays the escrow balance, less the reserve, back to the payer.
func (s *Service) Refund(ctx context.Context, id string) (View, error) {
	return s.close(ctx, id, StatusRefunded)
}

// Dispute freezes a funded escrow until it is released or refunded.
func (s *Service) Dispute(ctx context.Context, id, reason string) (View, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.get(ctx, id)
	if err != nil {
		return View{}, err
	}
	if !CanTransition(e.Status, StatusDisputed) {
		return View{}, invalidTransition(e.Status, StatusDisputed)
	}
	if reason == "" {
		reason = "unspecified"
	}
	return s.transition(ctx, e, StatusDisputed, Update{DisputeReason: reason})
}

// Get returns an escrow by id.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	e, err := s.get(ctx, id)
	if err != nil {
		return View{}, err
	}
	return e.View(), nil
}

// GetByJob returns the escrow of a job.
func (s *Service) GetByJob(ctx context.Context, jobID string) (View, error) {
	e, err := s.store.GetByJob(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return View{}, x402.NewPaymentError(x402.ErrEscrowNotFound, "no escrow for job "+jobID, nil)
	}
	if err != nil {
		return View{}, err
	}
	return e.View(), nil
}

// List returns escrows newest first. Limit is capped at 200.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]View, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, x402.NewPaymentError(x402.ErrMalformedPayload, "unknown status "+string(filter.Status), nil)
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	escrows, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(escrows))
	for i := range escrows {
		views = append(views, escrows[i].View())
	}
	return views, nil
}

// close moves a funded or disputed escrow to target after transferring its
// balance out. The transfer is prepared and recorded as pending before it is
// submitted; an interrupted attempt is resolved from the ledger on the next call.
func (s *Service) close(ctx context.Context, id string, target Status) (View, error) {
	unlock := s.lock(id)
	defer unlock()

	e, err := s.get(ctx, id)
	if err != nil {
		return View{}, err
	}

	if e.Pending != nil {
		done, err := s.resolvePending(ctx, e)
		if err != nil {
			return View{}, err
		}
		if done != nil {
			if done.Status == target {
				return done.View(), nil
			}
			return View{}, invalidTransition(done.Status, target)
		}
	}

	if !CanTransition(e.Status, target) {
		return View{}, invalidTransition(e.Status, target)
	}

	to := e.Recipient
	if target == StatusRefunded {
		to = e.Payer
	}

	balance, err := s.transfers.Balance(ctx, e.Network, e.Address, e.Asset)
	if err != nil {
		return View{}, err
	}
	movable := new(big.Int).Sub(balance, s.cfg.Reserve)
	if movable.Sign() <= 0 {
		return View{}, x402.NewPaymentError(x402.ErrInsufficientEscrowBalance,
			fmt.Sprintf("escrow balance %s does not exceed reserve %s", balance, s.cfg.Reserve), nil)
	}

	prepared, err := s.transfers.PrepareTransfer(ctx, x402.TransferRequest{
		Network: e.Network,
		FromKey: e.KeyRef,
		To:      to,
		Asset:   e.Asset,
		Amount:  movable,
	})
	if err != nil {
		return View{}, err
	}

	pending := &PendingTransfer{
		Reference: prepared.Reference,
		Target:    target,
		Amount:    movable.String(),
		CreatedAt: s.now(),
	}
	if err := s.store.SetPending(ctx, e.ID, e.Status, pending); err != nil {
		if errors.Is(err, ErrConflict) {
			return View{}, x402.NewPaymentError(x402.ErrInvalidStateTransition, "escrow changed concurrently", nil)
		}
		return View{}, err
	}
	e.Pending = pending

	if err := s.transfers.SubmitTransfer(ctx, prepared); err != nil {
		if x402.CodeOf(err) == x402.ErrLedgerExecutionFailed {
			s.clearPending(ctx, e)
			return View{}, err
		}
		s.logger.Warn("escrow transfer outcome unknown",
			zap.String("escrow", e.ID),
			zap.String("reference", prepared.Reference),
			zap.Error(err))
		return View{}, x402.NewPaymentError(x402.ErrSettlementUnknown, "transfer outcome unknown, retry to resolve",
			map[string]interface{}{"reference": prepared.Reference})
	}

	return s.transition(ctx, e, target, Update{
		ClosingReference: prepared.Reference,
		ClosingAmount:    movable.String(),
	})
}

// resolvePending settles the fate of an earlier transfer. It returns the closed
// escrow when that transfer landed, nil when a new attempt may proceed, or an
// error while the outcome is still unknown.
func (s *Service) resolvePending(ctx context.Context, e *Escrow) (*Escrow, error) {
	p := e.Pending
	status, err := s.transfers.TransferStatus(ctx, e.Network, p.Reference)
	if err != nil {
		return nil, err
	}

	switch {
	case status == x402.TransferConfirmed:
		if _, err := s.transition(ctx, e, p.Target, Update{ClosingReference: p.Reference, ClosingAmount: p.Amount}); err != nil {
			return nil, err
		}
		return s.get(ctx, e.ID)
	case status == x402.TransferFailed, s.now().Sub(p.CreatedAt) > s.cfg.PendingTimeout:
		s.clearPending(ctx, e)
		e.Pending = nil
		return nil, nil
	default:
		return nil, x402.NewPaymentError(x402.ErrSettlementUnknown, "earlier transfer not yet confirmed, retry later",
			map[string]interface{}{"reference": p.Reference})
	}
}

func (s *Service) clearPending(ctx context.Context, e *Escrow) {
	if err := s.store.SetPending(ctx, e.ID, e.Status, nil); err != nil {
		s.logger.Error("failed to clear pending escrow transfer", zap.String("escrow", e.ID), zap.Error(err))
	}
}

func (s *Service) transition(ctx context.Context, e *Escrow, next Status, u Update) (View, error) {
	u.At = s.now()
	err := s.store.Transition(ctx, e.ID, e.Status, next, u)
	if errors.Is(err, ErrConflict) {
		if u.ClosingReference != "" {
			s.logger.Error("CRITICAL: funds moved but escrow status changed concurrently",
				zap.String("escrow", e.ID),
				zap.String("reference", u.ClosingReference))
		}
		return View{}, x402.NewPaymentError(x402.ErrInvalidStateTransition, "escrow changed concurrently", nil)
	}
	if err != nil {
		if u.ClosingReference != "" || u.FundingReference != "" {
			// The ledger moved funds; a retry resolves this from the pending
			// transfer or the settlement record.
			s.logger.Error("CRITICAL: funds moved but escrow not updated",
				zap.String("escrow", e.ID),
				zap.String("status", string(next)),
				zap.Error(err))
		}
		return View{}, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.logger.Info("escrow transition",
		zap.String("escrow", e.ID),
		zap.String("from", string(e.Status)),
		zap.String("to", string(next)))

	updated, err := s.store.Get(ctx, e.ID)
	if err != nil {
		return View{}, err
	}
	return updated.View(), nil
}

func (s *Service) get(ctx context.Context, id string) (*Escrow, error) {
	e, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, x402.NewPaymentError(x402.ErrEscrowNotFound, "escrow "+id+" not found", nil)
	}
	return e, err
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func invalidTransition(from, to Status) error {
	return x402.NewPaymentError(x402.ErrInvalidStateTransition,
		fmt.Sprintf("cannot move escrow from %s to %s", from, to),
		map[string]interface{}{"from": string(from), "to": string(to)})
}
