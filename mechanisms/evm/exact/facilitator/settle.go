package facilitator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	x402 "github.com/TheGreatAxios/skale-facilitator"
	"github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

// Settle verifies the payment again and submits it on-chain.
//
// The nonce is claimed in the ledger before submission and released when the
// transaction reverts or cannot be submitted or awaited, so the payer can
// retry with the same authorization. The returned error is non-nil only for
// internal failures (*x402.PaymentError with code internal_error).
func (s *ExactEvmScheme) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (x402.SettleResponse, error) {
	if replay, ok, err := s.rejectReplay(ctx, payload, requirements); ok || err != nil {
		return replay, err
	}

	resp, verified, err := s.verify(ctx, payload, requirements)
	if err != nil {
		return x402.SettleResponse{}, err
	}
	if !resp.IsValid {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: resp.InvalidReason,
			Payer:       resp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	network := verified.network.Name
	payer := resp.Payer
	requestID := x402.RequestIDFromContext(ctx)
	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("network", network),
		zap.String("nonce", verified.nonce),
		zap.String("payer", payer),
	)

	signer, ok := s.signers[network]
	if !ok {
		return x402.SettleResponse{}, x402.NewInternalError(fmt.Errorf("no chain client configured for %s", network))
	}

	failed := func(reason, txHash string) x402.SettleResponse {
		return x402.SettleResponse{
			Success:     false,
			ErrorReason: reason,
			Payer:       payer,
			Transaction: txHash,
			Network:     requirements.Network,
		}
	}

	if err := s.ledger.MarkPending(ctx, network, verified.nonce, requestID); err != nil {
		return x402.SettleResponse{}, x402.NewInternalError(err)
	}

	// From here on the transaction may be in flight; a disconnecting client
	// must not stop us from reconciling the ledger.
	settleCtx := context.WithoutCancel(ctx)

	release := func() {
		if err := s.ledger.Release(settleCtx, network, verified.nonce); err != nil {
			logger.Warn("failed to release nonce, pending record will expire", zap.Error(err))
		}
	}

	abi, args, err := evm.TransferCall(verified.auth, verified.signature)
	if err != nil {
		release()
		return failed(err.Error(), ""), nil
	}
	logger.Debug("submitting transferWithAuthorization",
		zap.Stringer("signature_kind", evm.ClassifySignature(verified.signature)),
	)

	txHash, err := signer.WriteContract(settleCtx, requirements.Asset, abi, evm.FunctionTransferWithAuthorization, args...)
	if err != nil {
		logger.Warn("transaction submission failed", zap.Error(err))
		release()
		return failed(err.Error(), ""), nil
	}
	logger = logger.With(zap.String("tx_hash", txHash))

	receipt, err := signer.WaitForTransactionReceipt(settleCtx, txHash)
	if err != nil {
		logger.Warn("waiting for receipt failed", zap.Error(err))
		release()
		return failed(err.Error(), ""), nil
	}

	if receipt.Status != evm.TxStatusSuccess {
		logger.Warn("transaction reverted", zap.Uint64("block_number", receipt.BlockNumber))
		release()
		return failed(x402.ReasonInvalidTransactionState, txHash), nil
	}

	if err := s.ledger.MarkConfirmed(settleCtx, network, verified.nonce, requestID, txHash, receipt.BlockNumber); err != nil {
		// The transfer happened; the pending record keeps blocking reuse until it expires.
		logger.Error("failed to confirm nonce", zap.Error(err))
	}

	logger.Info("payment settled", zap.Uint64("block_number", receipt.BlockNumber))
	s.scheduleRegistration(ctx, requirements, payload.X402Version)

	return x402.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: txHash,
		Network:     requirements.Network,
	}, nil
}

// rejectReplay answers nonce_already_used for any (network, nonce) the ledger
// already holds, ahead of the timing, amount and signature gates. ok is false
// when the payload is too malformed to name a nonce; verify reports that.
func (s *ExactEvmScheme) rejectReplay(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (resp x402.SettleResponse, ok bool, err error) {
	network := string(requirements.Network)
	if _, known := s.registry.Network(network); !known {
		return resp, false, nil
	}
	evmPayload, err := evm.PayloadFromMap(payload.Payload)
	if err != nil {
		return resp, false, nil
	}
	nonce, err := evm.HexToBytes32(evmPayload.Authorization.Nonce)
	if err != nil {
		return resp, false, nil
	}

	used, err := s.ledger.Used(ctx, network, evm.NonceKey(nonce))
	if err != nil {
		return resp, false, x402.NewInternalError(err)
	}
	if !used {
		return resp, false, nil
	}
	return x402.SettleResponse{
		Success:     false,
		ErrorReason: x402.ReasonNonceAlreadyUsed,
		Payer:       evmPayload.Authorization.From,
		Network:     requirements.Network,
	}, true, nil
}
