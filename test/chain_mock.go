package test

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrTxNotFound is returned by the mock chain for unknown transactions.
var ErrTxNotFound = errors.New("transaction not found")

// MockChain is an in-memory chain that knows every transaction added or
// published to it.
type MockChain struct {
	mu        sync.Mutex
	txs       map[chainhash.Hash]*wire.MsgTx
	published []*wire.MsgTx
}

// NewMockChain returns an empty mock chain.
func NewMockChain() *MockChain {
	return &MockChain{
		txs: make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// AddTransaction makes tx known without publishing it.
func (c *MockChain) AddTransaction(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.txs[tx.TxHash()] = tx.Copy()
}

// GetTransaction returns a copy of the transaction with the given id.
func (c *MockChain) GetTransaction(_ context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.txs[*txid]
	if !ok {
		return nil, ErrTxNotFound
	}

	return tx.Copy(), nil
}

// SendTransaction records tx as published.
func (c *MockChain) SendTransaction(_ context.Context,
	tx *wire.MsgTx) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	c.txs[tx.TxHash()] = tx.Copy()
	c.published = append(c.published, tx.Copy())

	return nil
}

// Published returns the transactions published so far.
func (c *MockChain) Published() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()

	txs := make([]*wire.MsgTx, len(c.published))
	copy(txs, c.published)

	return txs
}

// PrevOutFetcher returns a fetcher over the outputs spent by tx. Inputs
// spending unknown transactions are skipped.
func (c *MockChain) PrevOutFetcher(tx *wire.MsgTx) *PrevOuts {
	c.mu.Lock()
	defer c.mu.Unlock()

	prevOuts := NewPrevOuts()
	for _, in := range tx.TxIn {
		prev, ok := c.txs[in.PreviousOutPoint.Hash]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}

		prevOuts.AddPrevOut(
			in.PreviousOutPoint,
			prev.TxOut[in.PreviousOutPoint.Index],
		)
	}

	return prevOuts
}
