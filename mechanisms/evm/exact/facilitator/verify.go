package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

// checkOutcome is the result of a best-effort on-chain check.
type checkOutcome int

const (
	outcomeUnknown checkOutcome = iota
	outcomeOK
	outcomeFailed
)

func (o checkOutcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// verifiedPayment is what a passing verification hands to settlement.
type verifiedPayment struct {
	network   evm.NetworkConfig
	auth      *evm.Authorization
	signature []byte
	nonce     string
}

func invalid(reason, payer string) x402.VerifyResponse {
	return x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Verify checks a payment against its requirements without spending gas.
//
// Protocol and authorization failures are reported in the response. The
// returned error is non-nil only for infrastructure failures such as an
// unreadable nonce ledger, and is then an *x402.PaymentError with code
// internal_error. A valid payment schedules a detached discovery registration.
func (s *ExactEvmScheme) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.VerifyResponse, error) {
	resp, _, err := s.verify(ctx, payload, requirements)
	if err != nil || !resp.IsValid {
		return resp, err
	}
	s.scheduleRegistration(ctx, requirements, payload.X402Version)
	return resp, nil
}

func (s *ExactEvmScheme) verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.VerifyResponse, *verifiedPayment, error) {
	if payload.Scheme != x402.SchemeExact || requirements.Scheme != x402.SchemeExact {
		return invalid(x402.ReasonUnsupportedScheme, ""), nil, nil
	}

	networkName := string(requirements.Network)
	network, ok := s.registry.Network(networkName)
	if !ok || (payload.Network != "" && payload.Network != requirements.Network) {
		return invalid(x402.ReasonInvalidNetwork, ""), nil, nil
	}

	token, ok := s.registry.Token(networkName, requirements.Asset)
	if !ok {
		return invalid(x402.ReasonInvalidAssetAddress, ""), nil, nil
	}

	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, ""), nil, nil
	}
	payer := evmPayload.Authorization.From

	auth, err := evmPayload.Authorization.Parse()
	if err != nil {
		s.logger.Debug("unparsable authorization", zap.String("payer", payer), zap.Error(err))
		return invalid(x402.ReasonInvalidPayload, payer), nil, nil
	}
	signature, err := evm.HexToBytes(evmPayload.Signature)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, payer), nil, nil
	}

	if !strings.EqualFold(auth.To.Hex(), requirements.PayTo) {
		return invalid(x402.ReasonRecipientMismatch, payer), nil, nil
	}

	now := big.NewInt(s.now().Unix())
	deadline := new(big.Int).Add(now, big.NewInt(evm.ValidBeforeBuffer))
	if auth.ValidBefore.Cmp(deadline) <= 0 {
		return invalid(x402.ReasonValidBefore, payer), nil, nil
	}
	if auth.ValidAfter.Cmp(now) > 0 {
		return invalid(x402.ReasonValidAfter, payer), nil, nil
	}

	required, err := evm.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return invalid(x402.ReasonInvalidPayload, payer), nil, nil
	}
	if auth.Value.Cmp(required) < 0 {
		return invalid(x402.ReasonAuthorizationValue, payer), nil, nil
	}

	if !s.signatureMatches(network, token, requirements, auth, signature) {
		return invalid(x402.ReasonInvalidSignature, payer), nil, nil
	}

	nonce := evm.NonceKey(auth.Nonce)
	used, err := s.ledger.Used(ctx, networkName, nonce)
	if err != nil {
		return x402.VerifyResponse{}, nil, x402.NewInternalError(err)
	}
	if used {
		return invalid(x402.ReasonNonceAlreadyUsed, payer), nil, nil
	}

	if reason := s.onChainChecks(ctx, networkName, requirements.Asset, auth, required); reason != "" {
		return invalid(reason, payer), nil, nil
	}

	return x402.VerifyResponse{IsValid: true, Payer: payer}, &verifiedPayment{
		network:   network,
		auth:      auth,
		signature: signature,
		nonce:     nonce,
	}, nil
}

// signatureMatches recovers the signer under the token's EIP-712 domain.
// Requirements may override the domain name and version through extra.
func (s *ExactEvmScheme) signatureMatches(
	network evm.NetworkConfig,
	token evm.TokenConfig,
	requirements x402.PaymentRequirements,
	auth *evm.Authorization,
	signature []byte,
) bool {
	overrides := requirements.DomainOverrides()
	domain := evm.TypedDataDomain{
		Name:              token.Name,
		Version:           token.DomainVersion(),
		ChainID:           network.ChainIDBig(),
		VerifyingContract: requirements.Asset,
	}
	if overrides.Name != nil {
		domain.Name = *overrides.Name
	}
	if overrides.Version != nil {
		domain.Version = *overrides.Version
	}

	recovered, err := s.verifier.RecoverTypedDataSigner(
		domain,
		evm.TransferWithAuthorizationTypes(),
		evm.PrimaryTypeTransferWithAuthorization,
		auth.Message(),
		signature,
	)
	if err != nil {
		s.logger.Debug("signature recovery failed", zap.String("payer", auth.From.Hex()), zap.Error(err))
		return false
	}
	return recovered == auth.From
}

// onChainChecks runs the balance and authorization-state reads concurrently
// and returns a reason only for a check that completed and failed. Unknown
// outcomes are logged and ignored. Balance is reported before authorization
// state when both fail.
func (s *ExactEvmScheme) onChainChecks(
	ctx context.Context,
	network string,
	asset string,
	auth *evm.Authorization,
	required *big.Int,
) string {
	signer, ok := s.signers[network]
	if !ok {
		s.logger.Warn("no chain client for network, skipping on-chain checks", zap.String("network", network))
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	var balance, state checkOutcome
	var g errgroup.Group
	g.Go(func() error {
		balance = s.checkBalance(ctx, signer, network, asset, auth, required)
		return nil
	})
	g.Go(func() error {
		state = s.checkAuthorizationState(ctx, signer, network, asset, auth)
		return nil
	})
	_ = g.Wait()

	s.logger.Debug("on-chain checks",
		zap.String("network", network),
		zap.String("payer", auth.From.Hex()),
		zap.Stringer("balance", balance),
		zap.Stringer("authorization_state", state),
	)

	switch {
	case balance == outcomeFailed:
		return x402.ReasonInsufficientFunds
	case state == outcomeFailed:
		return x402.ReasonAuthorizationAlreadyUsed
	default:
		return ""
	}
}

func (s *ExactEvmScheme) checkBalance(
	ctx context.Context,
	signer evm.FacilitatorEvmSigner,
	network, asset string,
	auth *evm.Authorization,
	required *big.Int,
) checkOutcome {
	result, err := signer.ReadContract(ctx, asset, evm.ERC20BalanceOfABI, evm.FunctionBalanceOf, auth.From)
	if err != nil {
		s.logUnknown("balance", network, auth, err)
		return outcomeUnknown
	}
	balance, ok := result.(*big.Int)
	if !ok || balance == nil {
		s.logUnknown("balance", network, auth, fmt.Errorf("unexpected result type %T", result))
		return outcomeUnknown
	}
	if balance.Cmp(required) < 0 {
		return outcomeFailed
	}
	return outcomeOK
}

func (s *ExactEvmScheme) checkAuthorizationState(
	ctx context.Context,
	signer evm.FacilitatorEvmSigner,
	network, asset string,
	auth *evm.Authorization,
) checkOutcome {
	result, err := signer.ReadContract(ctx, asset, evm.AuthorizationStateABI, evm.FunctionAuthorizationState, auth.From, auth.Nonce)
	if err != nil {
		s.logUnknown("authorization_state", network, auth, err)
		return outcomeUnknown
	}
	used, ok := result.(bool)
	if !ok {
		s.logUnknown("authorization_state", network, auth, fmt.Errorf("unexpected result type %T", result))
		return outcomeUnknown
	}
	if used {
		return outcomeFailed
	}
	return outcomeOK
}

func (s *ExactEvmScheme) logUnknown(check, network string, auth *evm.Authorization, err error) {
	s.logger.Warn("on-chain check inconclusive",
		zap.String("check", check),
		zap.String("network", network),
		zap.String("payer", auth.From.Hex()),
		zap.String("nonce", evm.NonceKey(auth.Nonce)),
		zap.Error(err),
	)
}
