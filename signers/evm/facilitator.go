// Package evm provides the ethclient-backed chain client the facilitator
// uses to read token state and submit transferWithAuthorization calls.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	x402evm "github.com/TheGreatAxios/skale-facilitator/mechanisms/evm"
)

const (
	// DefaultPollInterval is how often a pending receipt is requested.
	DefaultPollInterval = time.Second

	// DefaultReceiptTimeout bounds a receipt wait when the caller's context has no deadline.
	DefaultReceiptTimeout = 5 * time.Minute

	// fallbackGasLimit is used when estimation fails.
	fallbackGasLimit = 300000

	// gasBufferPercent is added on top of the estimate.
	gasBufferPercent = 20
)

// ChainClient is the subset of *ethclient.Client the signer needs.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// FacilitatorSigner implements x402evm.FacilitatorEvmSigner for one network.
type FacilitatorSigner struct {
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	client         ChainClient
	chainID        *big.Int
	logger         *zap.Logger
	pollInterval   time.Duration
	receiptTimeout time.Duration

	// sendMu serialises nonce selection and submission for this key.
	sendMu sync.Mutex
}

// Option configures a FacilitatorSigner.
type Option func(*FacilitatorSigner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *FacilitatorSigner) {
		s.logger = logger
	}
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(s *FacilitatorSigner) {
		s.pollInterval = d
	}
}

// WithReceiptTimeout overrides DefaultReceiptTimeout.
func WithReceiptTimeout(d time.Duration) Option {
	return func(s *FacilitatorSigner) {
		s.receiptTimeout = d
	}
}

// ParsePrivateKey parses a hex private key with or without 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}

// Dial connects to rpcURL and returns a signer for the chain it serves.
// When expectedChainID is positive the endpoint must report that chain.
func Dial(ctx context.Context, privateKey *ecdsa.PrivateKey, rpcURL string, expectedChainID int64, opts ...Option) (*FacilitatorSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if expectedChainID > 0 && chainID.Cmp(big.NewInt(expectedChainID)) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, expected %d", rpcURL, chainID, expectedChainID)
	}

	return NewFacilitatorSigner(privateKey, client, chainID, opts...), nil
}

// NewFacilitatorSigner wraps an existing client.
func NewFacilitatorSigner(privateKey *ecdsa.PrivateKey, client ChainClient, chainID *big.Int, opts ...Option) *FacilitatorSigner {
	s := &FacilitatorSigner{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(privateKey.PublicKey),
		client:         client,
		chainID:        new(big.Int).Set(chainID),
		logger:         zap.NewNop(),
		pollInterval:   DefaultPollInterval,
		receiptTimeout: DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address returns the gas payer address.
func (s *FacilitatorSigner) Address() string {
	return s.address.Hex()
}

// ChainID returns the chain the signer submits to.
func (s *FacilitatorSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// ReadContract calls a view function and returns its first output.
func (s *FacilitatorSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	method string,
	args ...interface{},
) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, normalizeArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty result from %s at %s", method, contractAddress)
	}

	output, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) == 0 {
		return nil, nil
	}
	return output[0], nil
}

// WriteContract signs and submits a legacy transaction calling method.
func (s *FacilitatorSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiJSON []byte,
	method string,
	args ...interface{},
) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, normalizeArgs(args)...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, Data: data})
	if err != nil {
		s.logger.Warn("gas estimation failed, using fallback limit",
			zap.String("method", method),
			zap.Uint64("gas_limit", fallbackGasLimit),
			zap.Error(err),
		)
		gasLimit = fallbackGasLimit
	} else {
		gasLimit += gasLimit * gasBufferPercent / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Info("transaction submitted",
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("method", method),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
	)
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined.
//
// Lookup errors other than "not found" are retried until the context ends,
// since a settlement that was already broadcast must not be abandoned over a
// transient RPC failure.
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*x402evm.TransactionReceipt, error) {
	if _, ok := ctx.Deadline(); !ok && s.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.receiptTimeout)
		defer cancel()
	}

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return &x402evm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: block,
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			lastErr = err
			s.logger.Debug("receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash, lastErr)
			}
			return nil, fmt.Errorf("timed out waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the underlying client.
func (s *FacilitatorSigner) Close() {
	s.client.Close()
}

// normalizeArgs converts hex address strings to common.Address for ABI packing.
func normalizeArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		if str, ok := arg.(string); ok && common.IsHexAddress(str) {
			out[i] = common.HexToAddress(str)
			continue
		}
		out[i] = arg
	}
	return out
}

var _ x402evm.FacilitatorEvmSigner = (*FacilitatorSigner)(nil)
