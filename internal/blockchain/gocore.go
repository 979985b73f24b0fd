package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gocore "github.com/core-coin/go-core/v2"
	"github.com/core-coin/go-core/v2/common"
	"github.com/core-coin/go-core/v2/core/types"
	"github.com/core-coin/go-core/v2/xcbclient"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
	"github.com/core-coin/tributum/pkg/validation"
)

// GocoreClient is the subset of the Core Blockchain RPC used by the oracle.
type GocoreClient interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Gocore struct {
	logger    *logger.Logger
	apiURL    string
	networkID *big.Int

	mu     sync.RWMutex
	client GocoreClient
	signer types.Signer
	closer func()
}

var _ models.LedgerOracle = (*Gocore)(nil)

// NewGocore creates a new Gocore instance. Run must be called before queries.
func NewGocore(apiURL string, networkID *big.Int, logger *logger.Logger) *Gocore {
	return &Gocore{apiURL: apiURL, networkID: networkID, logger: logger}
}

// NewGocoreWithClient wraps an already connected client.
func NewGocoreWithClient(client GocoreClient, networkID *big.Int, logger *logger.Logger) *Gocore {
	g := NewGocore("", networkID, logger)
	g.client = client
	g.signer = types.NewNucleusSigner(networkID)
	return g
}

func (g *Gocore) Run() error {
	err := g.ConnectToRPC()
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	return nil
}

func (g *Gocore) ConnectToRPC() error {
	client, err := xcbclient.Dial(g.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.client = client
	g.signer = types.NewNucleusSigner(g.networkID)
	g.closer = client.Close
	return nil
}

func (g *Gocore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closer != nil {
		g.closer()
		g.closer = nil
	}
	g.client = nil
	return nil
}

func (g *Gocore) GetTransaction(ctx context.Context, txHash string) (*models.TxSighting, error) {
	g.mu.RLock()
	client, signer := g.client, g.signer
	g.mu.RUnlock()
	if client == nil {
		return nil, models.NewOracleError(models.OracleUnreachable, errors.New("core RPC client not connected"))
	}

	hash := common.HexToHash(txHash)
	tx, isPending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gocore.NotFound) {
			return &models.TxSighting{Found: false}, nil
		}
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("failed to get transaction: %w", err))
	}
	if tx == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("transaction missing"))
	}
	if isPending {
		return &models.TxSighting{Found: false}, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, gocore.NotFound) {
			return &models.TxSighting{Found: false}, nil
		}
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("failed to get transaction receipt: %w", err))
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("receipt without block number"))
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, models.NewOracleError(models.OracleUnreachable, fmt.Errorf("failed to get chain head: %w", err))
	}
	if header == nil || header.Number == nil {
		return nil, models.NewOracleError(models.OracleMalformedResponse, errors.New("head without number"))
	}

	sighting := &models.TxSighting{
		Found:       true,
		Value:       new(big.Int).Set(tx.Value()),
		BlockHeight: receipt.BlockNumber.Uint64(),
		ChainHeight: header.Number.Uint64(),
		Succeeded:   receipt.Status == types.ReceiptStatusSuccessful,
	}
	if to := tx.To(); to != nil {
		sighting.To = validation.NormalizeAddress(to.Hex())
	}
	if sender, err := signer.Sender(tx); err != nil {
		g.logger.Warnw("failed to get transaction sender", "tx_hash", txHash, "error", err)
	} else {
		sighting.From = validation.NormalizeAddress(sender.Hex())
	}
	return sighting, nil
}
