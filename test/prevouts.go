package test

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// PrevOuts is a prevout fetcher that can execute the scripts of the inputs
// it knows about.
type PrevOuts struct {
	*txscript.MultiPrevOutFetcher
}

// NewPrevOuts returns an empty fetcher.
func NewPrevOuts() *PrevOuts {
	return &PrevOuts{
		MultiPrevOutFetcher: txscript.NewMultiPrevOutFetcher(nil),
	}
}

// AssertInputValid runs the script of input idx of tx and fails the test
// if it does not succeed.
func (p *PrevOuts) AssertInputValid(t *testing.T, tx *wire.MsgTx, idx int) {
	t.Helper()

	require.NoError(t, p.ExecuteInput(tx, idx))
}

// ExecuteInput runs the script of input idx of tx.
func (p *PrevOuts) ExecuteInput(tx *wire.MsgTx, idx int) error {
	prevOut := p.FetchPrevOutput(tx.TxIn[idx].PreviousOutPoint)
	if prevOut == nil {
		return ErrTxNotFound
	}

	sigHashes := txscript.NewTxSigHashes(tx, p)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		sigHashes, prevOut.Value, p,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}
