package fees

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/tronpay-io/tronpay/internal/units"
)

type fakeActivator struct {
	activated bool
	err       error
}

func (f *fakeActivator) IsActivated(context.Context, string) (bool, error) {
	return f.activated, f.err
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(units.MinorPerToken))
}

func TestEstimateActivatedAddress(t *testing.T) {
	e := NewEstimator(&fakeActivator{activated: true}, DefaultCosts(), nil)

	cases := []struct {
		amount *big.Int
		want   int64
	}{
		{big.NewInt(0), 100_000},            // base only
		{tokens(40), 110_000},               // one started block
		{tokens(100), 110_000},              // exactly one block
		{big.NewInt(100_000_001), 120_000},  // just over one block
		{tokens(1000), 200_000},             // ten blocks
	}
	for _, tc := range cases {
		if got := e.Estimate(context.Background(), "TAddr", tc.amount); got != tc.want {
			t.Errorf("Estimate(%s) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestEstimateUnactivatedSurcharge(t *testing.T) {
	e := NewEstimator(&fakeActivator{activated: false}, DefaultCosts(), nil)

	got := e.Estimate(context.Background(), "TAddr", tokens(40))
	if got != 1_110_000 {
		t.Errorf("Estimate = %d, want 1110000", got)
	}
}

func TestEstimateActivationDelta(t *testing.T) {
	amount := tokens(250)
	cold := NewEstimator(&fakeActivator{activated: false}, DefaultCosts(), nil)
	warm := NewEstimator(&fakeActivator{activated: true}, DefaultCosts(), nil)

	delta := cold.Estimate(context.Background(), "TAddr", amount) -
		warm.Estimate(context.Background(), "TAddr", amount)
	if delta != DefaultCosts().ActivationSun {
		t.Errorf("activation delta = %d, want %d", delta, DefaultCosts().ActivationSun)
	}
}

func TestEstimateMonotonicInAmount(t *testing.T) {
	e := NewEstimator(&fakeActivator{activated: true}, DefaultCosts(), nil)
	prev := int64(-1)
	for _, n := range []int64{0, 1, 50, 99, 100, 101, 500, 10_000} {
		got := e.Estimate(context.Background(), "TAddr", tokens(n))
		if got < prev {
			t.Fatalf("Estimate(%d tokens) = %d dropped below %d", n, got, prev)
		}
		prev = got
	}
}

func TestEstimateFallbackOnLookupFailure(t *testing.T) {
	e := NewEstimator(&fakeActivator{err: errors.New("node down")}, DefaultCosts(), nil)

	if got := e.Estimate(context.Background(), "TAddr", tokens(40)); got != 2_000_000 {
		t.Errorf("Estimate = %d, want fallback 2000000", got)
	}
}
