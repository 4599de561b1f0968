package x402_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/test/mocks/ledger"
)

func TestRegister(t *testing.T) {
	f := x402.NewX402Facilitator()

	tests := []struct {
		name    string
		network x402.Network
		adapter x402.LedgerAdapter
	}{
		{"malformed network", "mock", ledger.NewAdapter(x402.ProofDirect)},
		{"outside family", "solana:devnet", ledger.NewAdapter(x402.ProofDirect)},
		{"no kind", ledger.Network, ledger.NewAdapter(x402.ProofUnknown)},
		{"nil adapter", ledger.Network, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Register(tt.network, tt.adapter)
			var ce *x402.ConfigurationError
			require.ErrorAs(t, err, &ce)
		})
	}

	direct := ledger.NewAdapter(x402.ProofDirect)
	require.NoError(t, f.Register(ledger.Network, direct))
	got, ok := f.Adapter(ledger.Network, x402.ProofDirect)
	require.True(t, ok)
	assert.Same(t, direct, got)

	_, ok = f.Adapter(ledger.Network, x402.ProofDelegated)
	assert.False(t, ok)

	replacement := ledger.NewAdapter(x402.ProofDirect)
	require.NoError(t, f.Register(ledger.Network, replacement))
	got, _ = f.Adapter(ledger.Network, x402.ProofDirect)
	assert.Same(t, replacement, got)
}

func TestGetSupported(t *testing.T) {
	f := x402.NewX402Facilitator()
	assert.Empty(t, f.GetSupported().Kinds)

	direct := ledger.NewAdapter(x402.ProofDirect)
	delegated := ledger.NewAdapter(x402.ProofDelegated)
	delegated.SetExtra(map[string]interface{}{"feePayer": "fee-payer-1"})

	require.NoError(t, f.Register("mock:2", direct))
	require.NoError(t, f.Register(ledger.Network, direct))
	require.NoError(t, f.Register(ledger.Network, delegated))

	kinds := f.GetSupported().Kinds
	require.Len(t, kinds, 2)

	assert.Equal(t, ledger.Network, kinds[0].Network)
	assert.Equal(t, x402.SchemeExact, kinds[0].Scheme)
	assert.Equal(t, x402.X402Version, kinds[0].X402Version)
	assert.Equal(t, "fee-payer-1", kinds[0].Extra["feePayer"])

	assert.Equal(t, x402.Network("mock:2"), kinds[1].Network)
	assert.Nil(t, kinds[1].Extra)
}

func TestVerifyHooks(t *testing.T) {
	newFacilitator := func(t *testing.T) (*x402.X402Facilitator, *ledger.Adapter) {
		f := x402.NewX402Facilitator(x402.WithVerifierOptions(x402.WithClock(func() time.Time { return testNow })))
		a := ledger.NewAdapter(x402.ProofDirect)
		a.Put("sig-1", ledger.Transfer{Sender: "payer", Recipient: "merchant", Asset: "usdc", Amount: big.NewInt(1000)})
		require.NoError(t, f.Register(ledger.Network, a))
		return f, a
	}

	t.Run("before hook aborts", func(t *testing.T) {
		f, a := newFacilitator(t)
		f.OnBeforeVerify(func(c x402.FacilitatorVerifyContext) (*x402.FacilitatorBeforeHookResult, error) {
			assert.Equal(t, "sig-1", c.PaymentPayload.Payload.Signature())
			return &x402.FacilitatorBeforeHookResult{Abort: true, Reason: "blocked_payer"}, nil
		})
		a.FailConfirm(errors.New("must not be reached"))

		resp, err := f.Verify(context.Background(), baseRequirements(), basePayload())
		require.NoError(t, err)
		assert.False(t, resp.IsValid)
		assert.Equal(t, "blocked_payer", resp.InvalidReason)
	})

	t.Run("after hook sees every verdict", func(t *testing.T) {
		f, _ := newFacilitator(t)
		var results []x402.VerifyResponse
		f.OnAfterVerify(func(c x402.FacilitatorVerifyResultContext) error {
			results = append(results, c.Result)
			return errors.New("hook errors are logged, not returned")
		})

		resp, err := f.Verify(context.Background(), baseRequirements(), basePayload())
		require.NoError(t, err)
		assert.True(t, resp.IsValid)

		p := basePayload()
		p.Amount = "1"
		_, err = f.Verify(context.Background(), baseRequirements(), p)
		require.NoError(t, err)

		require.Len(t, results, 2)
		assert.True(t, results[0].IsValid)
		assert.Equal(t, x402.ErrInsufficientAmount, results[1].InvalidReason)
	})

	t.Run("failure hook on fault", func(t *testing.T) {
		f, a := newFacilitator(t)
		a.FailConfirm(errors.New("connection reset"))
		var failures int
		f.OnVerifyFailure(func(c x402.FacilitatorVerifyFailureContext) {
			failures++
			assert.Error(t, c.Error)
		})

		_, err := f.Verify(context.Background(), baseRequirements(), basePayload())
		require.Error(t, err)
		assert.Equal(t, 1, failures)
	})

	t.Run("confirmation returned for valid payment", func(t *testing.T) {
		f, _ := newFacilitator(t)
		resp, conf, err := f.VerifyWithConfirmation(context.Background(), baseRequirements(), basePayload())
		require.NoError(t, err)
		assert.True(t, resp.IsValid)
		require.NotNil(t, conf)
		assert.Equal(t, "1000", conf.Amount.String())
	})
}
