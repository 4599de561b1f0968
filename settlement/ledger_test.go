package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/replay"
	"github.com/Blessedbiello/402pay-sub000/test/mocks/ledger"
)

const (
	merchant = "merchant-address"
	payer    = "payer-address"
)

func requirement() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           ledger.Network,
		MaxAmountRequired: "1000",
		PayTo:             merchant,
		Resource:          "https://api.example.com/data",
		MaxTimeoutSeconds: 300,
	}
}

func payment(proof x402.Proof) x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      x402.SchemeExact,
		Network:     ledger.Network,
		Payload:     proof,
		From:        payer,
		To:          merchant,
		Amount:      "1000",
	}
}

type fixture struct {
	adapter *ledger.Adapter
	guard   *replay.Guard
	store   *MemoryStore
	ledger  *Ledger
}

func newFixture(t *testing.T, kind x402.ProofKind) *fixture {
	t.Helper()
	adapter := ledger.NewAdapter(kind)
	facilitator := x402.NewX402Facilitator()
	require.NoError(t, facilitator.Register(ledger.Network, adapter))

	guard := replay.NewGuard(replay.NewMemoryStore())
	store := NewMemoryStore(time.Hour)
	return &fixture{
		adapter: adapter,
		guard:   guard,
		store:   store,
		ledger:  NewLedger(facilitator, guard, WithStore(store)),
	}
}

func (f *fixture) put(ref string) {
	f.adapter.Put(ref, ledger.Transfer{
		Sender:    payer,
		Recipient: merchant,
		Amount:    big.NewInt(1000),
		SettledAt: time.Now(),
	})
}

func TestSettle_ExecutesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")

	first, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, x402.SettleStatusExecuted, first.Status)
	assert.Equal(t, "sig-1", first.Transaction)
	assert.Equal(t, payer, first.Payer)

	second, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, x402.SettleStatusAlreadySettled, second.Status)
	assert.Equal(t, first.Transaction, second.Transaction)

	assert.Equal(t, 1, f.adapter.Executions())
}

func TestSettle_ReferenceCannotPayTwoRequirements(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")

	_, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)

	other := requirement()
	other.Resource = "https://api.example.com/other"
	resp, err := f.ledger.Settle(ctx, other, payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ErrReplayDetected, resp.ErrorReason)
}

func TestSettle_InvalidPaymentDoesNotConsumeKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)

	// not on the ledger yet
	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.SettleStatusFailed, resp.Status)
	assert.Equal(t, x402.ErrLedgerNotFound, resp.ErrorReason)

	f.put("sig-1")
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestSettle_InsufficientAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")

	p := payment(x402.DirectProof("sig-1"))
	p.Amount = "999"
	resp, err := f.ledger.Settle(ctx, requirement(), p)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ErrInsufficientAmount, resp.ErrorReason)
	assert.Zero(t, f.adapter.Executions())
}

func TestSettle_MissingProofIsMalformed(t *testing.T) {
	f := newFixture(t, x402.ProofDirect)

	resp, err := f.ledger.Settle(context.Background(), requirement(), payment(x402.Proof{}))
	require.NoError(t, err)
	assert.Equal(t, x402.ErrMalformedPayload, resp.ErrorReason)
}

func TestSettle_ConsumedKeyIsReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")

	// consumed by another instance that has no record in this store
	ok, err := f.guard.TryConsume(ctx, "settle:direct:sig-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ErrReplayDetected, resp.ErrorReason)
	assert.Zero(t, f.adapter.Executions())
}

func TestSettle_DefinitiveFailureReleasesKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDelegated)
	f.put("tx-1")
	f.adapter.FailNextExecute(x402.NewPaymentError(x402.ErrDelegateUnavailable, "breaker open", nil))

	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.SettleStatusFailed, resp.Status)
	assert.Equal(t, x402.ErrDelegateUnavailable, resp.ErrorReason)

	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, x402.SettleStatusExecuted, resp.Status)
	assert.Equal(t, 2, f.adapter.Executions())
}

func TestSettle_UnknownOutcomeResolvesOnRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDelegated)
	f.put("tx-1")
	f.adapter.FailNextExecute(x402.NewPaymentError(x402.ErrSettlementUnknown, "timeout after send", nil))

	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.SettleStatusUnknown, resp.Status)
	assert.Equal(t, x402.ErrSettlementUnknown, resp.ErrorReason)

	key, err := Key(payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	rec, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	// ledger still cannot say
	f.adapter.FailLookup(x402.NewPaymentError(x402.ErrDelegateUnavailable, "down", nil))
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.Equal(t, x402.SettleStatusUnknown, resp.Status)

	f.adapter.FailLookup(nil)
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, x402.SettleStatusExecuted, resp.Status)

	// resolution never re-executes
	assert.Equal(t, 1, f.adapter.Executions())

	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.Equal(t, x402.SettleStatusAlreadySettled, resp.Status)
}

func TestSettle_PendingNeverOnLedgerRunsAgain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDelegated)
	clock := time.Now()
	f.ledger.now = func() time.Time { return clock }
	f.put("tx-1")
	f.adapter.FailNextExecute(x402.NewPaymentError(x402.ErrSettlementUnknown, "timeout after send", nil))

	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	require.Equal(t, x402.SettleStatusUnknown, resp.Status)

	// the ledger has not seen it, but it may still land
	f.adapter.FailLookup(x402.NewPaymentError(x402.ErrLedgerNotFound, "transaction not found", nil))
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.Equal(t, x402.SettleStatusUnknown, resp.Status)
	assert.Equal(t, 1, f.adapter.Executions())

	// past the timeout it never will, so the payment runs again
	clock = clock.Add(DefaultPendingTimeout + time.Second)
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, x402.SettleStatusExecuted, resp.Status)
	assert.Equal(t, 2, f.adapter.Executions())

	f.adapter.FailLookup(nil)
	resp, err = f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.Equal(t, x402.SettleStatusAlreadySettled, resp.Status)
}

func TestSettle_PendingNeverOnLedgerIsRejectedWhenInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDelegated)
	clock := time.Now()
	f.ledger.now = func() time.Time { return clock }
	f.put("tx-1")
	f.adapter.FailNextExecute(x402.NewPaymentError(x402.ErrSettlementUnknown, "timeout after send", nil))

	_, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)

	// the signed transaction has since expired
	f.adapter.FailLookup(x402.NewPaymentError(x402.ErrLedgerNotFound, "transaction not found", nil))
	f.adapter.FailConfirm(x402.NewPaymentError(x402.ErrPaymentExpired, "blockhash expired", nil))
	clock = clock.Add(DefaultPendingTimeout + time.Second)

	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, x402.ErrPaymentExpired, resp.ErrorReason)

	key, err := Key(payment(x402.DelegatedProof("tx-1")))
	require.NoError(t, err)
	_, err = f.store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	fresh, err := f.guard.TryConsume(ctx, "settle:"+key, time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh, "the key is free again")
}

func TestSettle_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDelegated)
	f.put("tx-1")

	const n = 20
	results := make([]x402.SettleResponse, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DelegatedProof("tx-1")))
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	executed := 0
	for _, r := range results {
		assert.True(t, r.Success)
		if r.Status == x402.SettleStatusExecuted {
			executed++
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, f.adapter.Executions())
	assert.Zero(t, f.ledger.inflight.len())
}

func TestSettle_Hooks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")

	var seen []x402.SettleStatus
	f.ledger.OnAfterSettle(func(c x402.FacilitatorSettleResultContext) error {
		seen = append(seen, c.Result.Status)
		assert.Equal(t, "direct:sig-1", c.SettlementKey)
		return nil
	})

	_, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-1")))
	require.NoError(t, err)
	assert.Equal(t, []x402.SettleStatus{x402.SettleStatusExecuted}, seen)

	f.ledger.OnBeforeSettle(func(x402.FacilitatorSettleContext) (*x402.FacilitatorBeforeHookResult, error) {
		return &x402.FacilitatorBeforeHookResult{Abort: true, Reason: "merchant_paused"}, nil
	})
	resp, err := f.ledger.Settle(ctx, requirement(), payment(x402.DirectProof("sig-2")))
	require.NoError(t, err)
	assert.Equal(t, "merchant_paused", resp.ErrorReason)
}

type brokenStore struct{ *MemoryStore }

func (brokenStore) Get(context.Context, string) (*Record, error) {
	return nil, errors.New("connection reset")
}

func TestSettle_StoreFailureIsAnError(t *testing.T) {
	f := newFixture(t, x402.ProofDirect)
	f.put("sig-1")
	l := NewLedger(x402.NewX402Facilitator(), f.guard, WithStore(brokenStore{NewMemoryStore(time.Hour)}))

	var failures int
	l.OnSettleFailure(func(x402.FacilitatorSettleFailureContext) { failures++ })

	_, err := l.Settle(context.Background(), requirement(), payment(x402.DirectProof("sig-1")))
	assert.Error(t, err)
	assert.Equal(t, 1, failures)
}

func TestKey(t *testing.T) {
	k, err := Key(payment(x402.DirectProof("5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")))
	require.NoError(t, err)
	assert.Equal(t, "direct:5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW", k)

	a, err := Key(payment(x402.DelegatedProof("AQID")))
	require.NoError(t, err)
	b, err := Key(payment(x402.DelegatedProof("AQIE")))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("delegated:")+64)

	_, err = Key(payment(x402.DirectProof("")))
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	base := requirement()
	assert.Equal(t, Fingerprint(base), Fingerprint(requirement()))

	changed := requirement()
	changed.MaxAmountRequired = "1001"
	assert.NotEqual(t, Fingerprint(base), Fingerprint(changed))

	// description is presentation only
	described := requirement()
	described.Description = "weather data"
	assert.Equal(t, Fingerprint(base), Fingerprint(described))
}
