// Package fees estimates the gas a deposit address needs before it can
// sweep tokens to the treasury.
package fees

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/tronpay-io/tronpay/internal/units"
)

// Activator is the single ledger read the estimator needs.
type Activator interface {
	IsActivated(ctx context.Context, address string) (bool, error)
}

// Costs are the estimation constants in SUN.
type Costs struct {
	ActivationSun int64 // One-time cost to activate a fresh address
	BaseSun       int64 // Flat cost of a token transfer
	PerHundredSun int64 // Extra per started 100 tokens swept
	FallbackSun   int64 // Used when the activation check fails
}

// DefaultCosts returns the production estimation constants.
func DefaultCosts() Costs {
	return Costs{
		ActivationSun: 1 * units.SunPerTRX,
		BaseSun:       units.SunPerTRX / 10,
		PerHundredSun: units.SunPerTRX / 100,
		FallbackSun:   2 * units.SunPerTRX,
	}
}

// Estimator computes sweep gas costs from the amount being swept and the
// on-chain state of the deposit address.
type Estimator struct {
	ledger Activator
	costs  Costs
	logger *slog.Logger
}

func NewEstimator(ledger Activator, costs Costs, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{ledger: ledger, costs: costs, logger: logger}
}

// hundredUnits is 100 tokens in minor units.
var hundredUnits = new(big.Int).Mul(big.NewInt(100), big.NewInt(units.MinorPerToken))

// Estimate returns the SUN the address needs to sweep amount minor units.
// Unactivated addresses pay the activation surcharge on top of the base
// cost. If the activation check fails the flat fallback is returned so a
// flaky node never blocks a sweep.
func (e *Estimator) Estimate(ctx context.Context, address string, amount *big.Int) int64 {
	activated, err := e.ledger.IsActivated(ctx, address)
	if err != nil {
		e.logger.Warn("activation check failed, using fallback fee",
			"address", address, "error", err)
		return e.costs.FallbackSun
	}

	total := e.costs.BaseSun
	if !activated {
		total += e.costs.ActivationSun
	}
	total += e.increments(amount) * e.costs.PerHundredSun
	return total
}

// increments counts started 100-token blocks in amount.
func (e *Estimator) increments(amount *big.Int) int64 {
	if amount == nil || amount.Sign() <= 0 {
		return 0
	}
	q, r := new(big.Int).DivMod(amount, hundredUnits, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}
