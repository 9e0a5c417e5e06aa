package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tronpay-io/tronpay/internal/callback"
	"github.com/tronpay-io/tronpay/internal/fees"
	"github.com/tronpay-io/tronpay/internal/idgen"
	"github.com/tronpay-io/tronpay/internal/keycrypt"
	"github.com/tronpay-io/tronpay/internal/metrics"
	"github.com/tronpay-io/tronpay/internal/retry"
	"github.com/tronpay-io/tronpay/internal/syncutil"
	"github.com/tronpay-io/tronpay/internal/traces"
	"github.com/tronpay-io/tronpay/internal/tron"
	"github.com/tronpay-io/tronpay/internal/units"
	"github.com/tronpay-io/tronpay/internal/validation"
)

// Notifier delivers signed merchant callbacks.
type Notifier interface {
	Deliver(ctx context.Context, url string, p callback.Payload) error
}

// EventSink receives session lifecycle events for live fan-out. Must not
// block; delivery is fire-and-forget.
type EventSink func(event string, data map[string]interface{})

// Config holds the engine's tuning knobs.
type Config struct {
	TreasuryAddress string
	SessionTTL      time.Duration
	SettleDelay     time.Duration // wait between gas funding and sweep
	CheckTimeout    time.Duration // per-ledger-read deadline
	GasReserveSun   int64         // left behind during gas recovery
	ActivationSun   int64         // initial funding at session creation, 0 = skip

	// NotifyBeforeSweep fires the merchant callback before the sweep
	// attempt instead of after it.
	NotifyBeforeSweep bool

	SweepRetry    retry.Policy
	RecoveryRetry retry.Policy
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 8 * time.Second
	}
	if c.SweepRetry.MaxAttempts == 0 {
		c.SweepRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second}
	}
	if c.RecoveryRetry.MaxAttempts == 0 {
		c.RecoveryRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second}
	}
}

// CheckResult is the caller-facing view of one reconciliation pass.
type CheckResult struct {
	Status          Status `json:"status"`
	ReceivedAmount  string `json:"receivedAmount"`
	RemainingAmount string `json:"remainingAmount"`
	Message         string `json:"message"`
}

// Service drives the per-address payment state machine.
type Service struct {
	store    Store
	ledger   tron.Gateway
	fees     *fees.Estimator
	notifier Notifier
	sealer   *keycrypt.Sealer
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
	sink     EventSink
}

// NewService creates the reconciliation engine.
func NewService(store Store, ledger tron.Gateway, estimator *fees.Estimator,
	notifier Notifier, sealer *keycrypt.Sealer, cfg Config, logger *slog.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		fees:     estimator,
		notifier: notifier,
		sealer:   sealer,
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithEventSink attaches a live event consumer.
func (s *Service) WithEventSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

func (s *Service) publish(event string, data map[string]interface{}) {
	if s.sink != nil {
		s.sink(event, data)
	}
}

// InitializeSession mints a deposit address for an order. Re-initializing
// an existing order returns the original session unchanged.
func (s *Service) InitializeSession(ctx context.Context, orderID, expectedAmount, callbackURL string) (*Session, error) {
	if !validation.IsValidOrderID(orderID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOrderID, orderID)
	}
	amount, ok := units.Parse(expectedAmount)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, expectedAmount)
	}

	ctx, span := traces.StartSpan(ctx, "payment.InitializeSession",
		traces.OrderID(orderID), traces.Amount(expectedAmount))
	defer span.End()

	if existing, err := s.store.GetByOrderID(ctx, orderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	acct, err := s.ledger.CreateAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("create deposit account: %w", err)
	}
	sealed, err := s.sealer.Seal(acct.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal signing key: %w", err)
	}

	now := s.now()
	sess := &Session{
		ID:             idgen.WithPrefix("pay_"),
		OrderID:        orderID,
		Address:        acct.Address,
		ExpectedAmount: units.Format(amount),
		ReceivedAmount: "0.000000",
		CallbackURL:    callbackURL,
		SealedKey:      sealed,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SessionTTL),
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrDuplicateOrder) {
			return s.store.GetByOrderID(ctx, orderID)
		}
		return nil, err
	}
	sessionsCreated.Inc()

	s.fundActivation(ctx, sess)

	s.publish("session_created", map[string]interface{}{
		"orderId": sess.OrderID, "address": sess.Address, "expected": sess.ExpectedAmount,
	})
	s.logger.Info("payment session created",
		"order_id", orderID, "address", sess.Address, "expected", sess.ExpectedAmount)
	return sess, nil
}

// fundActivation sends the initial activation gas. Best effort: the sweep
// path re-estimates activation cost later, so a failure here only delays
// settlement.
func (s *Service) fundActivation(ctx context.Context, sess *Session) {
	if s.cfg.ActivationSun <= 0 {
		return
	}
	res, err := s.ledger.SendNative(ctx, sess.Address, s.cfg.ActivationSun)
	if err != nil || !res.Accepted {
		s.logger.Warn("activation funding failed", "address", sess.Address, "error", err)
		return
	}
	s.appendEvent(ctx, sess, EventGasActivation, res.TxID,
		s.ledger.FeeWalletAddress(), units.FormatSun(s.cfg.ActivationSun))
}

// Check runs one reconciliation pass for a deposit address: observe the
// balance, reclassify, and drive any due side effects. Safe to call
// concurrently; per-address locking plus the store's conditional updates
// guarantee single funding and single sweep.
//
// expectedAmount, when non-empty, must match the session's recorded
// amount; it exists so polling callers can assert what they created.
func (s *Service) Check(ctx context.Context, address, expectedAmount string) (*CheckResult, error) {
	ctx, span := traces.StartSpan(ctx, "payment.Check", traces.DepositAddress(address))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, address)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if expectedAmount != "" {
		given, ok := units.Parse(expectedAmount)
		if !ok || units.Format(given) != sess.ExpectedAmount {
			return nil, fmt.Errorf("%w: expected amount mismatch", ErrInvalidAmount)
		}
	}

	// Swept addresses are settled; never re-query the ledger for them.
	if sess.Transferred {
		return s.result(sess), nil
	}
	if sess.Status == StatusFailed {
		return s.result(sess), nil
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	observed, err := s.ledger.TokenBalance(readCtx, address)
	cancel()
	if err != nil {
		// Transient by policy: keep the current classification and let
		// the caller poll again.
		s.logger.Warn("balance read failed", "address", address, "error", err)
		res := s.result(sess)
		res.Message = "ledger unavailable, retrying"
		return res, nil
	}
	checksTotal.Inc()

	now := s.now()
	expected, _ := units.Parse(sess.ExpectedAmount)
	newStatus := classify(observed, expected)
	if newStatus != StatusConfirmed && sess.ExpiredAt(now) {
		newStatus = StatusExpired
	}

	if newStatus != sess.Status {
		metrics.SessionsByStatus.WithLabelValues(string(newStatus)).Inc()
		s.publish("status_changed", map[string]interface{}{
			"orderId": sess.OrderID, "address": sess.Address,
			"status": string(newStatus), "received": units.Format(observed),
		})
	}
	sess.ReceivedAmount = units.Format(observed)
	sess.Status = newStatus
	sess.LastCheckedAt = now
	sess.UpdatedAt = now
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, sess, EventBalanceObservation, "", "", sess.ReceivedAmount)

	switch {
	case newStatus == StatusConfirmed:
		s.settle(ctx, sess, observed)
	case newStatus == StatusExpired && observed.Sign() > 0:
		// Abandoned partial payment: sweep what arrived.
		s.settle(ctx, sess, observed)
	case newStatus == StatusExpired:
		s.notify(ctx, sess)
	}

	return s.result(sess), nil
}

// classify maps an observed balance to a lifecycle status. FAILED is
// never derived from a balance.
func classify(observed, expected *big.Int) Status {
	switch {
	case observed.Sign() == 0:
		return StatusPending
	case observed.Cmp(expected) < 0:
		return StatusPartial
	default:
		return StatusConfirmed
	}
}

// settle drives the funding → sweep → gas-recovery → notify chain. Each
// step is an isolated failure boundary: a sweep failure leaves the
// session CONFIRMED and fundable state intact so a later check retries.
func (s *Service) settle(ctx context.Context, sess *Session, observed *big.Int) {
	if !sess.GasFunded {
		claimed, err := s.store.ClaimGasFunding(ctx, sess.Address)
		if err != nil {
			s.logger.Error("gas funding claim failed", "address", sess.Address, "error", err)
			return
		}
		if !claimed {
			return
		}
		sess.GasFunded = true

		if !s.fundGas(ctx, sess, observed) {
			// The ledger never accepted the transfer; give the claim
			// back so the next check can retry funding.
			if err := s.store.ReleaseGasFundingClaim(ctx, sess.Address); err != nil {
				s.logger.Error("gas claim release failed", "address", sess.Address, "error", err)
			}
			sess.GasFunded = false
			return
		}
		s.pause(ctx, s.cfg.SettleDelay)
	}

	if s.cfg.NotifyBeforeSweep {
		s.notify(ctx, sess)
	}
	if err := s.sweep(ctx, sess, observed); err != nil {
		s.logger.Error("sweep failed, will retry on next check",
			"address", sess.Address, "order_id", sess.OrderID, "error", err)
	}
	if !s.cfg.NotifyBeforeSweep {
		s.notify(ctx, sess)
	}
}

// fundGas estimates and sends the sweep gas budget. Returns true once the
// ledger accepts the transfer.
func (s *Service) fundGas(ctx context.Context, sess *Session, amount *big.Int) bool {
	gasSun := s.fees.Estimate(ctx, sess.Address, amount)
	res, err := s.ledger.SendNative(ctx, sess.Address, gasSun)
	if err != nil || !res.Accepted {
		s.logger.Warn("gas funding rejected", "address", sess.Address, "sun", gasSun, "error", err)
		return false
	}
	gasFundingTotal.Inc()
	s.appendEvent(ctx, sess, EventGasFee, res.TxID,
		s.ledger.FeeWalletAddress(), units.FormatSun(gasSun))
	s.logger.Info("gas funded", "address", sess.Address, "sun", gasSun, "tx", res.TxID)
	return true
}

// sweep moves the observed token balance to the treasury with bounded
// retries. A bandwidth/energy shortfall triggers a gas top-up between
// attempts; other errors just back off.
func (s *Service) sweep(ctx context.Context, sess *Session, amount *big.Int) error {
	if sess.Transferred {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "payment.sweep",
		traces.DepositAddress(sess.Address), traces.Amount(units.Format(amount)))
	defer span.End()

	key, err := s.sealer.Open(sess.SealedKey)
	if err != nil {
		if errors.Is(err, keycrypt.ErrMalformedEnvelope) {
			sess.Status = StatusFailed
			sess.UpdatedAt = s.now()
			if uerr := s.store.Update(ctx, sess); uerr != nil {
				s.logger.Error("failed to persist failed status", "address", sess.Address, "error", uerr)
			}
		}
		return fmt.Errorf("unseal signing key: %w", err)
	}

	var res *tron.TxResult
	err = s.cfg.SweepRetry.Do(ctx, func() error {
		r, serr := s.ledger.SendToken(ctx, key, s.cfg.TreasuryAddress, amount)
		if r != nil {
			res = r
		}
		return serr
	}, func(attempt int, serr error) {
		if tron.IsResourceError(serr) {
			s.fundGas(ctx, sess, amount)
		}
	})
	if err != nil {
		sweepFailures.Inc()
		return fmt.Errorf("%w: %v", ErrSweepFailed, err)
	}

	won, merr := s.store.MarkTransferred(ctx, sess.Address, res.TxID)
	if merr != nil {
		// Funds moved but the record did not. Surface loudly; the flag
		// must be reconciled by hand before this address is touched.
		s.logger.Error("CRITICAL: sweep succeeded but record update failed",
			"address", sess.Address, "tx", res.TxID, "error", merr)
		return fmt.Errorf("record sweep: %w", merr)
	}
	sess.Transferred = true
	sess.Status = StatusTransferred
	sess.SweepTxRef = res.TxID
	span.SetAttributes(traces.TxRef(res.TxID), traces.SessionStatus(string(sess.Status)))
	if won {
		s.appendEvent(ctx, sess, EventTokenSweep, res.TxID,
			s.cfg.TreasuryAddress, units.Format(amount))
		sweepsTotal.Inc()
		metrics.SweepDuration.Observe(s.now().Sub(sess.CreatedAt).Seconds())
		s.publish("sweep_completed", map[string]interface{}{
			"orderId": sess.OrderID, "address": sess.Address,
			"amount": units.Format(amount), "tx": res.TxID,
		})
		s.logger.Info("swept to treasury",
			"address", sess.Address, "order_id", sess.OrderID,
			"amount", units.Format(amount), "tx", res.TxID)
	}

	s.recoverGas(ctx, sess, key)
	return nil
}

// recoverGas returns leftover native balance to the fee wallet, keeping a
// safety reserve behind. Leftover gas is an acceptable loss: failures are
// logged, never escalated.
func (s *Service) recoverGas(ctx context.Context, sess *Session, key string) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	bal, err := s.ledger.NativeBalance(readCtx, sess.Address)
	cancel()
	if err != nil {
		s.logger.Warn("gas recovery balance read failed", "address", sess.Address, "error", err)
		return
	}
	spare := bal - s.cfg.GasReserveSun
	if spare <= 0 {
		return
	}

	var res *tron.TxResult
	err = s.cfg.RecoveryRetry.Do(ctx, func() error {
		r, serr := s.ledger.SendNativeFrom(ctx, key, s.ledger.FeeWalletAddress(), spare)
		if serr != nil {
			return serr
		}
		res = r
		return nil
	}, nil)
	if err != nil {
		s.logger.Warn("gas recovery failed", "address", sess.Address, "sun", spare, "error", err)
		return
	}

	gasRecoveredSun.Add(float64(spare))
	s.appendEvent(ctx, sess, EventGasRecovery, res.TxID,
		s.ledger.FeeWalletAddress(), units.FormatSun(spare))
	s.logger.Info("gas recovered", "address", sess.Address, "sun", spare, "tx", res.TxID)
}

// notify delivers the merchant callback once per session. Sessions with
// no callback URL are marked delivered immediately so the redelivery
// pass skips them.
func (s *Service) notify(ctx context.Context, sess *Session) {
	if sess.CallbackDelivered {
		return
	}
	if sess.CallbackURL == "" {
		if _, err := s.store.MarkCallbackDelivered(ctx, sess.Address); err == nil {
			sess.CallbackDelivered = true
		}
		return
	}

	p := callback.Payload{
		OrderID:        sess.OrderID,
		Status:         string(sess.Status),
		Amount:         sess.ExpectedAmount,
		ReceivedAmount: sess.ReceivedAmount,
		Address:        sess.Address,
		Timestamp:      s.now().Unix(),
	}
	if err := s.notifier.Deliver(ctx, sess.CallbackURL, p); err != nil {
		// Redelivery timer picks this session up later.
		s.logger.Warn("callback delivery failed",
			"order_id", sess.OrderID, "url", sess.CallbackURL, "error", err)
		return
	}
	if _, err := s.store.MarkCallbackDelivered(ctx, sess.Address); err != nil {
		s.logger.Error("callback delivered but flag update failed",
			"order_id", sess.OrderID, "error", err)
		return
	}
	sess.CallbackDelivered = true
}

// SweepNow manually triggers a sweep with the same guards as the
// automatic path. The address must hold a token balance.
func (s *Service) SweepNow(ctx context.Context, address string) error {
	ctx, span := traces.StartSpan(ctx, "payment.SweepNow", traces.DepositAddress(address))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, address)
	if err != nil {
		return err
	}
	defer unlock()

	sess, err := s.store.GetByAddress(ctx, address)
	if err != nil {
		return err
	}
	if sess.Transferred {
		return ErrAlreadyTransferred
	}

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	observed, err := s.ledger.TokenBalance(readCtx, address)
	cancel()
	if err != nil {
		return fmt.Errorf("read token balance: %w", err)
	}
	if observed.Sign() == 0 {
		return ErrNoBalance
	}

	sess.ReceivedAmount = units.Format(observed)
	sess.UpdatedAt = s.now()
	if err := s.store.Update(ctx, sess); err != nil {
		return err
	}

	if err := s.sweep(ctx, sess, observed); err != nil {
		return err
	}
	s.notify(ctx, sess)
	return nil
}

// RedeliverCallbacks retries merchant notifications for settled sessions
// whose delivery has not yet succeeded. Invoked by the background timer.
func (s *Service) RedeliverCallbacks(ctx context.Context, limit int) {
	sessions, err := s.store.ListPendingCallbacks(ctx, limit)
	if err != nil {
		s.logger.Warn("pending callback list failed", "error", err)
		return
	}
	for _, sess := range sessions {
		s.notify(ctx, sess)
	}
}

// Active lists the sessions the reconciliation poller still watches.
func (s *Service) Active(ctx context.Context, limit int) ([]*Session, error) {
	return s.store.ListActive(ctx, limit)
}

// Status returns the caller-facing session view by order ID.
func (s *Service) Status(ctx context.Context, orderID string) (*Session, error) {
	return s.store.GetByOrderID(ctx, orderID)
}

// Events returns a session's audit log.
func (s *Service) Events(ctx context.Context, sessionID string) ([]*LedgerEvent, error) {
	return s.store.Events(ctx, sessionID)
}

func (s *Service) result(sess *Session) *CheckResult {
	return &CheckResult{
		Status:          sess.Status,
		ReceivedAmount:  sess.ReceivedAmount,
		RemainingAmount: sess.RemainingAmount(),
		Message:         statusMessage(sess.Status),
	}
}

func statusMessage(st Status) string {
	switch st {
	case StatusPending:
		return "waiting for payment"
	case StatusPartial:
		return "partial payment received"
	case StatusConfirmed:
		return "payment confirmed, settlement in progress"
	case StatusTransferred:
		return "payment settled"
	case StatusExpired:
		return "payment window expired"
	case StatusFailed:
		return "payment failed"
	default:
		return string(st)
	}
}

func (s *Service) appendEvent(ctx context.Context, sess *Session, kind EventKind, txRef, counterparty, amount string) {
	event := &LedgerEvent{
		ID:           idgen.WithPrefix("evt_"),
		SessionID:    sess.ID,
		Kind:         kind,
		TxRef:        txRef,
		Counterparty: counterparty,
		Amount:       amount,
		ObservedAt:   s.now(),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Warn("event append failed", "session_id", sess.ID, "kind", kind, "error", err)
	}
}

func (s *Service) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
