package models

import (
	"context"
	"math/big"
)

// TxSighting is what the ledger reports about a transaction hash at the moment of the query.
type TxSighting struct {
	// Found is false while the transaction is not mined yet. Absence is not an error.
	Found bool
	From  string
	To    string
	Value *big.Int
	// BlockHeight is the block the transaction was included in.
	BlockHeight uint64
	// ChainHeight is the current head of the chain.
	ChainHeight uint64
	// Succeeded is false when the receipt reports a failed execution.
	Succeeded bool
}

// Depth returns the confirmation depth, chain head minus inclusion block.
func (s *TxSighting) Depth() uint64 {
	if s.ChainHeight < s.BlockHeight {
		return 0
	}
	return s.ChainHeight - s.BlockHeight
}

// LedgerOracle answers one query about one transaction. It never retries.
type LedgerOracle interface {
	GetTransaction(ctx context.Context, txHash string) (*TxSighting, error)
}
