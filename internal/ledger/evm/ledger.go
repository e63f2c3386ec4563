// Package evm settles escrow payouts as native transfers on an EVM chain.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "CrossChain-Escrow/internal/errors"
	"CrossChain-Escrow/internal/ledger"
	"CrossChain-Escrow/internal/swap"
	"CrossChain-Escrow/pkg/logger"
)

const defaultGasLimit = 21_000

// Backend is the subset of ethclient.Client the ledger needs.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Ledger implements ledger.Ledger on top of an EVM JSON-RPC endpoint.
type Ledger struct {
	name     string
	backend  Backend
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     common.Address
	gasLimit uint64
	closeFn  func()
	log      *slog.Logger

	// serialises nonce allocation for the operator account
	mu sync.Mutex
}

var _ ledger.Ledger = (*Ledger)(nil)

// New wraps an existing backend. gasLimit zero means a plain value transfer.
func New(name string, backend Backend, chainID uint64, key *ecdsa.PrivateKey, gasLimit uint64) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("evm backend is required")
	}
	if key == nil {
		return nil, errors.New("operator key is required")
	}
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	return &Ledger{
		name:     name,
		backend:  backend,
		chainID:  new(big.Int).SetUint64(chainID),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gasLimit,
		log:      logger.Named("ledger.evm").With(slog.String("chain", name)),
	}, nil
}

// Dial connects to the chain described by def and loads the operator key
// from the environment variable it names.
func Dial(ctx context.Context, name string, def ChainDefinition) (*Ledger, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("chain %s has no rpc_url", name)
	}
	keyHex := strings.TrimSpace(os.Getenv(def.OperatorKeyEnv))
	if keyHex == "" {
		return nil, fmt.Errorf("operator key variable %q is empty", def.OperatorKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", name, err)
	}
	chainID := def.ChainID
	if chainID == 0 {
		id, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		chainID = id.Uint64()
	}

	l, err := New(name, client, chainID, key, def.GasLimit)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.closeFn = client.Close
	return l, nil
}

// Operator returns the address payouts are sent from.
func (l *Ledger) Operator() common.Address {
	return l.from
}

// CurrentTime returns the timestamp of the latest block header.
func (l *Ledger) CurrentTime(ctx context.Context) (swap.Timestamp, error) {
	header, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch latest header")
	}
	return swap.Timestamp(header.Time), nil
}

// CallerIdentity returns the principal the request was authenticated as.
// Off-chain calls carry no transaction sender, so the context is authoritative.
func (l *Ledger) CallerIdentity(ctx context.Context) (swap.Principal, error) {
	return ledger.CallerFromContext(ctx), nil
}

// Transfer signs and submits a dynamic-fee value transfer to a hex address.
func (l *Ledger) Transfer(ctx context.Context, to swap.Principal, amount swap.Amount) error {
	if !common.IsHexAddress(string(to)) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("recipient %q is not an EVM address", to))
	}
	recipient := common.HexToAddress(string(to))

	l.mu.Lock()
	defer l.mu.Unlock()

	header, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch latest header")
	}
	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "fetch operator nonce")
	}
	tip, err := l.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "suggest gas tip")
	}
	feeCap := new(big.Int).Set(tip)
	if header.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       l.gasLimit,
		To:        &recipient,
		Value:     amount.Big(),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "sign transfer")
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return xerrors.Wrap(xerrors.CodeLedgerFailure, err, "submit transfer",
			xerrors.WithMetadata("tx", signed.Hash().Hex()))
	}

	l.log.Info("payout submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", recipient.Hex()),
		slog.String("amount", amount.String()),
		slog.Uint64("nonce", nonce),
	)
	return nil
}

// Close releases the RPC connection when the ledger was dialled.
func (l *Ledger) Close() {
	if l.closeFn != nil {
		l.closeFn()
		l.closeFn = nil
	}
}
