// Package tron handles all ledger interactions: account creation, balance
// reads, and signed native/token transfers against a TRON-style full node.
package tron

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey     = errors.New("tron: invalid private key")
	ErrInvalidAddress        = errors.New("tron: invalid address")
	ErrNodeUnavailable       = errors.New("tron: node unavailable")
	ErrBroadcastRejected     = errors.New("tron: transaction rejected by node")
	ErrInsufficientResources = errors.New("tron: insufficient bandwidth or energy")
)

// TxError wraps transfer failures with operation context.
type TxError struct {
	Op   string // Operation that failed
	TxID string // Transaction ID if available
	Err  error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("tron: %s failed (tx: %s): %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("tron: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// IsResourceError reports whether err is the bandwidth/energy shortfall
// class that a supplementary gas top-up can fix.
func IsResourceError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientResources) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "bandwidth") || strings.Contains(msg, "bandwith") ||
		strings.Contains(msg, "energy")
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Account is a freshly minted keypair. The private key is hex-encoded and
// must be sealed before it is persisted anywhere.
type Account struct {
	Address    string // base58check
	PrivateKey string // hex, no 0x prefix
}

// TxResult is the outcome of a broadcast transaction.
type TxResult struct {
	TxID     string
	Accepted bool
}

// Gateway is the ledger capability consumed by the reconciliation engine.
// Native amounts are SUN; token amounts are 6-decimal minor units.
type Gateway interface {
	// CreateAccount mints a new keypair. Purely local, no node round trip.
	CreateAccount(ctx context.Context) (*Account, error)

	// NativeBalance returns the TRX balance of an address in SUN.
	NativeBalance(ctx context.Context, address string) (int64, error)

	// TokenBalance returns the token balance of an address in minor units.
	TokenBalance(ctx context.Context, address string) (*big.Int, error)

	// IsActivated reports whether the address exists on-chain yet.
	IsActivated(ctx context.Context, address string) (bool, error)

	// SendNative transfers SUN from the fee-funding wallet.
	SendNative(ctx context.Context, to string, amountSun int64) (*TxResult, error)

	// SendNativeFrom transfers SUN signed with the given key.
	SendNativeFrom(ctx context.Context, signingKey, to string, amountSun int64) (*TxResult, error)

	// SendToken transfers token minor units signed with the given key.
	SendToken(ctx context.Context, signingKey, to string, amount *big.Int) (*TxResult, error)

	// FeeWalletAddress returns the configured gas-funding wallet address.
	FeeWalletAddress() string
}
