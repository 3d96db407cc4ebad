package facilitator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/extensions/nonceledger"
	"github.com/TheGreatAxios/skale-facilitator/kv"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

const (
	testNetwork = "skale-base-sepolia"
	testAsset   = "0x2e08028E3C4c2356572E096d8EF835cD5C6030bD"
	testPayTo   = "0x2222222222222222222222222222222222222222"
	testNonce   = "0x5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a5a"
	testTxHash  = "0x00000000000000000000000000000000000000000000000000000000000000aa"
)

var testNow = time.Unix(1_800_000_000, 0)

// mockSigner is a testify mock of the chain client.
type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) Address() string {
	return "0x000000000000000000000000000000000000fac1"
}

func (m *mockSigner) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	ret := m.Called(ctx, address, functionName)
	return ret.Get(0), ret.Error(1)
}

func (m *mockSigner) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	ret := m.Called(ctx, address, abi, functionName, args)
	return ret.String(0), ret.Error(1)
}

func (m *mockSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	ret := m.Called(ctx, txHash)
	receipt, _ := ret.Get(0).(*evm.TransactionReceipt)
	return receipt, ret.Error(1)
}

// healthyChain stubs reads so that both on-chain checks pass.
func healthyChain(m *mockSigner) {
	m.On("ReadContract", mock.Anything, testAsset, evm.FunctionBalanceOf).Return(big.NewInt(1_000_000_000), nil).Maybe()
	m.On("ReadContract", mock.Anything, testAsset, evm.FunctionAuthorizationState).Return(false, nil).Maybe()
}

type recordingCatalog struct {
	mu    sync.Mutex
	calls []x402.PaymentRequirements
}

func (c *recordingCatalog) Register(ctx context.Context, requirements x402.PaymentRequirements, x402Version int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, requirements)
	return nil
}

func (c *recordingCatalog) Calls() []x402.PaymentRequirements {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]x402.PaymentRequirements(nil), c.calls...)
}

type fixture struct {
	scheme  *ExactEvmScheme
	signer  *mockSigner
	ledger  *nonceledger.Ledger
	catalog *recordingCatalog
	tasks   *x402.TaskRunner
	key     *ecdsa.PrivateKey
	payer   common.Address
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	registry, err := evm.NewRegistry(evm.DefaultNetworks())
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	store := kv.NewMemoryStore()
	f := &fixture{
		signer:  &mockSigner{},
		ledger:  nonceledger.New(store),
		catalog: &recordingCatalog{},
		tasks:   x402.NewTaskRunner(),
		key:     key,
		payer:   crypto.PubkeyToAddress(key.PublicKey),
	}

	base := []Option{
		WithSigner(testNetwork, f.signer),
		WithCatalog(f.catalog),
		WithTaskRunner(f.tasks),
		WithClock(func() time.Time { return testNow }),
	}
	f.scheme = NewExactEvmScheme(registry, f.ledger, append(base, opts...)...)
	return f
}

type authParams struct {
	to          string
	value       string
	validAfter  int64
	validBefore int64
	nonce       string
	domainName  string
	domainVer   string
}

func defaultParams() authParams {
	return authParams{
		to:          testPayTo,
		value:       "10000",
		validAfter:  testNow.Unix() - 60,
		validBefore: testNow.Unix() + 600,
		nonce:       testNonce,
		domainName:  "Bridged USDC (SKALE Bridge)",
		domainVer:   "2",
	}
}

// sign builds a payload signed by the fixture's key under the given domain.
func (f *fixture) sign(t *testing.T, p authParams) x402.PaymentPayload {
	t.Helper()

	wire := evm.ExactEIP3009Authorization{
		From:        f.payer.Hex(),
		To:          p.to,
		Value:       p.value,
		ValidAfter:  strconv.FormatInt(p.validAfter, 10),
		ValidBefore: strconv.FormatInt(p.validBefore, 10),
		Nonce:       p.nonce,
	}
	auth, err := wire.Parse()
	require.NoError(t, err)

	digest, err := evm.HashAuthorization(evm.TypedDataDomain{
		Name:              p.domainName,
		Version:           p.domainVer,
		ChainID:           big.NewInt(324705682),
		VerifyingContract: testAsset,
	}, auth)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest, f.key)
	require.NoError(t, err)
	sig[64] += 27

	payload := &evm.ExactEIP3009Payload{Signature: hexutil.Encode(sig), Authorization: wire}
	return x402.PaymentPayload{
		X402Version: 1,
		Scheme:      x402.SchemeExact,
		Network:     testNetwork,
		Payload:     payload.ToMap(),
	}
}

func testRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           testNetwork,
		MaxAmountRequired: "10000",
		Resource:          "https://api.example.com/weather",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 60,
		Asset:             testAsset,
	}
}

func TestVerifyValidPayment(t *testing.T) {
	f := newFixture(t)
	healthyChain(f.signer)

	resp, err := f.scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Empty(t, resp.InvalidReason)
	assert.Equal(t, f.payer.Hex(), resp.Payer)

	require.NoError(t, f.tasks.Wait(context.Background()))
	calls := f.catalog.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://api.example.com/weather", calls[0].Resource)
}

func TestVerifyGates(t *testing.T) {
	tests := []struct {
		name        string
		params      func(p *authParams)
		payload     func(p *x402.PaymentPayload)
		reqs        func(r *x402.PaymentRequirements)
		reason      string
		expectPayer bool
	}{
		{
			name:    "payload scheme",
			payload: func(p *x402.PaymentPayload) { p.Scheme = "upto" },
			reason:  x402.ReasonUnsupportedScheme,
		},
		{
			name:   "requirements scheme",
			reqs:   func(r *x402.PaymentRequirements) { r.Scheme = "upto" },
			reason: x402.ReasonUnsupportedScheme,
		},
		{
			name:   "unknown network",
			reqs:   func(r *x402.PaymentRequirements) { r.Network = "ethereum" },
			reason: x402.ReasonInvalidNetwork,
		},
		{
			name:    "payload names another network",
			payload: func(p *x402.PaymentPayload) { p.Network = "base" },
			reason:  x402.ReasonInvalidNetwork,
		},
		{
			name:   "asset not configured on network",
			reqs:   func(r *x402.PaymentRequirements) { r.Asset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913" },
			reason: x402.ReasonInvalidAssetAddress,
		},
		{
			name:    "missing authorization",
			payload: func(p *x402.PaymentPayload) { delete(p.Payload, "authorization") },
			reason:  x402.ReasonInvalidPayload,
		},
		{
			name:        "unparsable signature",
			payload:     func(p *x402.PaymentPayload) { p.Payload["signature"] = "0xnothex" },
			reason:      x402.ReasonInvalidPayload,
			expectPayer: true,
		},
		{
			name:        "recipient mismatch",
			params:      func(p *authParams) { p.to = "0x3333333333333333333333333333333333333333" },
			reason:      x402.ReasonRecipientMismatch,
			expectPayer: true,
		},
		{
			name:        "validBefore inside safety margin",
			params:      func(p *authParams) { p.validBefore = testNow.Unix() + evm.ValidBeforeBuffer },
			reason:      x402.ReasonValidBefore,
			expectPayer: true,
		},
		{
			name:        "validAfter in the future",
			params:      func(p *authParams) { p.validAfter = testNow.Unix() + 1 },
			reason:      x402.ReasonValidAfter,
			expectPayer: true,
		},
		{
			name:        "expired and not yet valid reports validBefore",
			params:      func(p *authParams) { p.validBefore = testNow.Unix(); p.validAfter = testNow.Unix() + 100 },
			reason:      x402.ReasonValidBefore,
			expectPayer: true,
		},
		{
			name:        "value below requirement",
			params:      func(p *authParams) { p.value = "9999" },
			reason:      x402.ReasonAuthorizationValue,
			expectPayer: true,
		},
		{
			name:        "signed under another domain version",
			params:      func(p *authParams) { p.domainVer = "1" },
			reason:      x402.ReasonInvalidSignature,
			expectPayer: true,
		},
		{
			name:        "truncated signature",
			payload:     func(p *x402.PaymentPayload) { p.Payload["signature"] = "0x" + "ab" },
			reason:      x402.ReasonInvalidSignature,
			expectPayer: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			healthyChain(f.signer)

			params := defaultParams()
			if tt.params != nil {
				tt.params(&params)
			}
			payload := f.sign(t, params)
			if tt.payload != nil {
				tt.payload(&payload)
			}
			reqs := testRequirements()
			if tt.reqs != nil {
				tt.reqs(&reqs)
			}

			resp, err := f.scheme.Verify(context.Background(), payload, reqs)
			require.NoError(t, err)
			assert.False(t, resp.IsValid)
			assert.Equal(t, tt.reason, resp.InvalidReason)
			if tt.expectPayer {
				assert.Equal(t, f.payer.Hex(), resp.Payer)
			}

			require.NoError(t, f.tasks.Wait(context.Background()))
			assert.Empty(t, f.catalog.Calls(), "invalid payments are not registered")
		})
	}
}

func TestVerifyValidBeforeBoundary(t *testing.T) {
	f := newFixture(t)
	healthyChain(f.signer)

	params := defaultParams()
	params.validBefore = testNow.Unix() + evm.ValidBeforeBuffer + 1
	resp, err := f.scheme.Verify(context.Background(), f.sign(t, params), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestVerifyHugeValues(t *testing.T) {
	f := newFixture(t)

	params := defaultParams()
	params.value = "340282366920938463463374607431768211456" // 2^128
	reqs := testRequirements()
	reqs.MaxAmountRequired = "340282366920938463463374607431768211455"

	f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionBalanceOf).
		Return(new(big.Int).Lsh(big.NewInt(1), 200), nil)
	f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionAuthorizationState).Return(false, nil)

	resp, err := f.scheme.Verify(context.Background(), f.sign(t, params), reqs)
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

func TestVerifyDomainOverrides(t *testing.T) {
	f := newFixture(t)
	healthyChain(f.signer)

	params := defaultParams()
	params.domainName = "USD Coin"
	params.domainVer = "7"
	payload := f.sign(t, params)

	reqs := testRequirements()
	resp, err := f.scheme.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason, "registry defaults do not match")

	reqs.Extra = json.RawMessage(`{"name":"USD Coin","version":"7"}`)
	resp, err = f.scheme.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "extra overrides build the signing domain")

	reqs.Extra = json.RawMessage(`{"name":"USD Coin","version":"8"}`)
	resp, err = f.scheme.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason, "same signature, other version")
}

func TestVerifyExplicitEmptyDomainVersion(t *testing.T) {
	f := newFixture(t)
	healthyChain(f.signer)

	params := defaultParams()
	params.domainVer = ""
	payload := f.sign(t, params)

	reqs := testRequirements()
	resp, err := f.scheme.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason, "registry version is used without an override")

	reqs.Extra = json.RawMessage(`{"version":""}`)
	resp, err = f.scheme.Verify(context.Background(), payload, reqs)
	require.NoError(t, err)
	assert.True(t, resp.IsValid, "explicit empty version overrides the registry default")
}

func TestVerifyNonceAlreadyUsed(t *testing.T) {
	f := newFixture(t)
	healthyChain(f.signer)

	require.NoError(t, f.ledger.MarkPending(context.Background(), testNetwork, testNonce, "earlier"))

	resp, err := f.scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
	require.NoError(t, err)
	assert.Equal(t, x402.ReasonNonceAlreadyUsed, resp.InvalidReason)
	f.signer.AssertNotCalled(t, "ReadContract", mock.Anything, mock.Anything, mock.Anything)
}

func TestVerifyOnChainChecks(t *testing.T) {
	rpcDown := errors.New("dial tcp: i/o timeout")

	tests := []struct {
		name     string
		balance  interface{}
		balErr   error
		state    interface{}
		stateErr error
		reason   string
	}{
		{name: "both ok", balance: big.NewInt(10000), state: false},
		{name: "insufficient funds", balance: big.NewInt(9999), state: false, reason: x402.ReasonInsufficientFunds},
		{name: "authorization used", balance: big.NewInt(10000), state: true, reason: x402.ReasonAuthorizationAlreadyUsed},
		{name: "both fail reports balance", balance: big.NewInt(0), state: true, reason: x402.ReasonInsufficientFunds},
		{name: "rpc errors are ignored", balErr: rpcDown, stateErr: rpcDown},
		{name: "unknown balance does not hide used authorization", balErr: rpcDown, state: true, reason: x402.ReasonAuthorizationAlreadyUsed},
		{name: "unexpected result types are ignored", balance: "lots", state: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionBalanceOf).Return(tt.balance, tt.balErr)
			f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionAuthorizationState).Return(tt.state, tt.stateErr)

			resp, err := f.scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, resp.IsValid)
			} else {
				assert.False(t, resp.IsValid)
				assert.Equal(t, tt.reason, resp.InvalidReason)
			}
			f.signer.AssertExpectations(t)
		})
	}
}

func TestVerifyOnChainChecksAreBounded(t *testing.T) {
	f := newFixture(t, WithReadTimeout(20*time.Millisecond))
	block := func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}
	f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionBalanceOf).Run(block).Return(nil, context.DeadlineExceeded)
	f.signer.On("ReadContract", mock.Anything, testAsset, evm.FunctionAuthorizationState).Run(block).Return(nil, context.DeadlineExceeded)

	start := time.Now()
	resp, err := f.scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestVerifyWithoutChainClientSkipsChecks(t *testing.T) {
	registry, err := evm.NewRegistry(evm.DefaultNetworks())
	require.NoError(t, err)
	f := newFixture(t)
	scheme := NewExactEvmScheme(registry, f.ledger, WithClock(func() time.Time { return testNow }))

	resp, err := scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid)
}

type brokenLedger struct{ err error }

func (b brokenLedger) Used(ctx context.Context, network, nonce string) (bool, error) {
	return false, b.err
}
func (b brokenLedger) MarkPending(ctx context.Context, network, nonce, requestID string) error {
	return b.err
}
func (b brokenLedger) MarkConfirmed(ctx context.Context, network, nonce, requestID, txHash string, blockNumber uint64) error {
	return b.err
}
func (b brokenLedger) Release(ctx context.Context, network, nonce string) error { return b.err }

func TestVerifyLedgerFailureIsInternal(t *testing.T) {
	registry, err := evm.NewRegistry(evm.DefaultNetworks())
	require.NoError(t, err)
	f := newFixture(t)
	scheme := NewExactEvmScheme(registry, brokenLedger{err: errors.New("redis: connection refused")},
		WithClock(func() time.Time { return testNow }))

	_, err = scheme.Verify(context.Background(), f.sign(t, defaultParams()), testRequirements())
	require.Error(t, err)
	var paymentErr *x402.PaymentError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, x402.ReasonInternalError, paymentErr.Code)
}

func TestSupported(t *testing.T) {
	f := newFixture(t)
	supported := f.scheme.Supported()
	require.Len(t, supported.Kinds, 4)
	assert.Equal(t, x402.Network("base"), supported.Kinds[0].Network)
	assert.Equal(t, x402.SchemeExact, supported.Kinds[0].Scheme)
	assert.Equal(t, []string{"bazaar"}, supported.Extensions)
}
