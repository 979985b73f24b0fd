package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

// EthereumClient is the subset of the Ethereum JSON-RPC used by the oracle.
type EthereumClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Ethereum answers transaction queries against an EVM node.
type Ethereum struct {
	logger *logger.Logger
	client EthereumClient
	signer gethtypes.Signer
	closer func()
}

var _ models.LedgerOracle = (*Ethereum)(nil)

// DialEthereum connects to the node at apiURL.
func DialEthereum(apiURL string, chainID *big.Int, logger *logger.Logger) (*Ethereum, error) {
	trimmed := strings.TrimSpace(apiURL)
	if trimmed == "" {
		return nil, fmt.Errorf("ethereum endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the ethereum RPC server: %w", err)
	}
	e := NewEthereum(client, chainID, logger)
	e.closer = client.Close
	return e, nil
}

// NewEthereum wraps an existing client.
func NewEthereum(client EthereumClient, chainID *big.Int, logger *logger.Logger) *Ethereum {
	return &Ethereum{
		logger: logger,
		client: client,
		signer: gethtypes.LatestSignerForChainID(chainID),
	}
}

func (e *Ethereum) GetTransaction(ctx context.Context, txHash string) (*models.TxSighting, error) {
	hash := common.HexToHash(txHash)

	tx, isPending, err := e.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &models.TxSighting{Found: false}, nil
		}
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("fetch transaction: %w", err))
	}
	if tx == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("transaction missing"))
	}
	if isPending {
		return &models.TxSighting{Found: false}, nil
	}

	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			// mined but the node has not indexed the receipt yet
			return &models.TxSighting{Found: false}, nil
		}
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("fetch receipt: %w", err))
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("receipt without block number"))
	}

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("fetch head: %w", err))
	}
	if header == nil || header.Number == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("head without number"))
	}

	sighting := &models.TxSighting{
		Found:       true,
		Value:       new(big.Int).Set(tx.Value()),
		BlockHeight: receipt.BlockNumber.Uint64(),
		ChainHeight: header.Number.Uint64(),
		Succeeded:   receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}
	if to := tx.To(); to != nil {
		sighting.To = validation.NormalizeAddress(to.Hex())
	}
	// the sender is informational; a signature this signer cannot recover must not fail the sighting
	if sender, err := gethtypes.Sender(e.signer, tx); err != nil {
		e.logger.Warnw("failed to recover transaction sender", "tx_hash", txHash, "error", err)
	} else {
		sighting.From = validation.NormalizeAddress(sender.Hex())
	}
	e.logger.Debugw("ledger sighting", "tx_hash", txHash, "block", sighting.BlockHeight, "head", sighting.ChainHeight)
	return sighting, nil
}

func (e *Ethereum) Close() error {
	if e.closer != nil {
		e.closer()
	}
	return nil
}
