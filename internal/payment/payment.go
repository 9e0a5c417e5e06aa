// Package payment implements the reconciliation and treasury-sweep engine.
//
// Flow:
//  1. Merchant initializes a session → fresh deposit address, sealed key
//  2. Payer sends tokens to the address
//  3. Repeated checks observe the balance: pending → partial → confirmed
//  4. First confirmation funds gas, sweeps tokens to the treasury,
//     recovers leftover gas, and notifies the merchant callback
//  5. Unpaid sessions expire after the TTL; partial balances still sweep
package payment

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/tronpay-io/tronpay/internal/units"
)

var (
	ErrSessionNotFound    = errors.New("payment session not found")
	ErrDuplicateOrder     = errors.New("order already has a session")
	ErrAlreadyTransferred = errors.New("session already swept to treasury")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidOrderID     = errors.New("invalid order id")
	ErrNoBalance          = errors.New("address holds no token balance")
	ErrSweepFailed        = errors.New("token sweep failed")
)

// Status represents the state of a payment session.
type Status string

const (
	StatusPending     Status = "pending"     // Created, no funds observed
	StatusPartial     Status = "partial"     // Some funds observed, below expected
	StatusConfirmed   Status = "confirmed"   // Expected amount reached
	StatusTransferred Status = "transferred" // Swept to treasury
	StatusExpired     Status = "expired"     // TTL passed before confirmation
	StatusFailed      Status = "failed"      // Unrecoverable ledger fault
)

// Terminal returns true once no further balance classification happens.
// Expired sessions are not terminal here: an expired address holding a
// partial balance still needs its sweep retried.
func (s Status) Terminal() bool {
	return s == StatusTransferred || s == StatusFailed
}

// EventKind tags entries in a session's ledger event log.
type EventKind string

const (
	EventGasActivation      EventKind = "gas_activation"
	EventGasFee             EventKind = "gas_fee"
	EventGasRecovery        EventKind = "gas_recovery"
	EventTokenSweep         EventKind = "token_sweep"
	EventBalanceObservation EventKind = "balance_observation"
)

// LedgerEvent is one entry in a session's append-only audit log. Every
// fund movement touching the session's address lands here.
type LedgerEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	Kind         EventKind `json:"kind"`
	TxRef        string    `json:"txRef,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       string    `json:"amount"`
	ObservedAt   time.Time `json:"observedAt"`
}

// Session is one payment: one order, one deposit address.
type Session struct {
	ID             string `json:"sessionId"`
	OrderID        string `json:"orderId"`
	Address        string `json:"address"`
	ExpectedAmount string `json:"expectedAmount"` // display units
	ReceivedAmount string `json:"receivedAmount"` // display units
	CallbackURL    string `json:"callbackUrl,omitempty"`
	Status         Status `json:"status"`

	// Side-effect guards. Flipped only through the store's conditional
	// updates so concurrent checks cannot double-spend.
	GasFunded         bool `json:"gasFunded"`
	Transferred       bool `json:"transferredToTreasury"`
	CallbackDelivered bool `json:"callbackDelivered"`

	// SealedKey is the deposit address's private key, encrypted at rest.
	// Never serialized outward.
	SealedKey string `json:"-"`

	SweepTxRef    string    `json:"sweepTxRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RemainingAmount is always recomputed, never stored.
func (s *Session) RemainingAmount() string {
	expected, ok := units.Parse(s.ExpectedAmount)
	if !ok {
		return "0.000000"
	}
	received, ok := units.Parse(s.ReceivedAmount)
	if !ok {
		received = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(expected, received)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return units.Format(remaining)
}

// ExpiredAt reports whether the session TTL has passed at the given time.
func (s *Session) ExpiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store persists payment sessions and their event logs.
//
// The Claim/Mark methods are conditional updates: they flip a guard flag
// atomically and report whether this caller won. They are the concurrency
// gate for every money-moving step; a prior read is never sufficient.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	GetByAddress(ctx context.Context, address string) (*Session, error)
	GetByOrderID(ctx context.Context, orderID string) (*Session, error)
	Update(ctx context.Context, sess *Session) error

	// ClaimGasFunding flips gasFunded false→true if the session has not
	// been swept. Returns false when another caller already holds it.
	ClaimGasFunding(ctx context.Context, address string) (bool, error)

	// ReleaseGasFundingClaim resets gasFunded after a funding transfer
	// the ledger rejected. Once a transfer is accepted the flag stays.
	ReleaseGasFundingClaim(ctx context.Context, address string) error

	// MarkTransferred flips transferredToTreasury false→true and moves
	// the session to StatusTransferred.
	MarkTransferred(ctx context.Context, address, txRef string) (bool, error)

	// MarkCallbackDelivered flips callbackDelivered false→true.
	MarkCallbackDelivered(ctx context.Context, address string) (bool, error)

	AppendEvent(ctx context.Context, event *LedgerEvent) error
	Events(ctx context.Context, sessionID string) ([]*LedgerEvent, error)

	// ListActive returns sessions still needing reconciliation work:
	// non-terminal, or expired while holding an unswept balance.
	ListActive(ctx context.Context, limit int) ([]*Session, error)

	// ListPendingCallbacks returns settled sessions whose merchant
	// notification has not yet succeeded.
	ListPendingCallbacks(ctx context.Context, limit int) ([]*Session, error)
}
