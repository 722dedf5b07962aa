package test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ErrInsufficientFunds is returned when the mock wallet cannot cover an
// amount with its unreserved outputs.
var ErrInsufficientFunds = errors.New("insufficient funds")

// MockWallet is a P2WPKH wallet over deterministic keys whose outputs live
// on a MockChain.
type MockWallet struct {
	chain *MockChain

	mu      sync.Mutex
	keys    map[string]*btcec.PrivateKey
	nextKey int32
	nonce   uint32
	utxos   []*txbuilder.Utxo
}

// NewMockWallet returns an empty wallet. Wallets created with different
// key offsets use disjoint keys.
func NewMockWallet(chain *MockChain, keyOffset int32) *MockWallet {
	return &MockWallet{
		chain:   chain,
		keys:    make(map[string]*btcec.PrivateKey),
		nextKey: keyOffset * 1000,
		nonce:   uint32(keyOffset) * 1000,
	}
}

func (w *MockWallet) newKey() (btcutil.Address, []byte, error) {
	priv, pub := CreateKey(w.nextKey)
	w.nextKey++

	addr, pkScript, err := P2WPKHAddress(pub)
	if err != nil {
		return nil, nil, err
	}
	w.keys[string(pkScript)] = priv

	return addr, pkScript, nil
}

// Fund adds a transaction to the chain paying one wallet output per amount.
func (w *MockWallet) Fund(amounts ...btcutil.Amount) (*wire.MsgTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	addr, pkScript, err := w.newKey()
	if err != nil {
		return nil, err
	}

	tx := FundingTx(w.nonce, pkScript, amounts...)
	w.nonce++
	w.chain.AddTransaction(tx)

	for i, out := range tx.TxOut {
		w.utxos = append(w.utxos, &txbuilder.Utxo{
			TxOut: out,
			OutPoint: wire.OutPoint{
				Hash:  tx.TxHash(),
				Index: uint32(i),
			},
			Address: addr,
		})
	}

	return tx, nil
}

// NewAddress returns a fresh wallet address.
func (w *MockWallet) NewAddress(_ context.Context) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	addr, _, err := w.newKey()

	return addr, err
}

// NewChangeAddress returns a fresh wallet address.
func (w *MockWallet) NewChangeAddress(ctx context.Context) (btcutil.Address,
	error) {

	return w.NewAddress(ctx)
}

// UtxosForAmount selects unreserved outputs in the order they were added
// until amt is covered.
func (w *MockWallet) UtxosForAmount(_ context.Context, amt btcutil.Amount,
	_ chainfee.SatPerVByte, lock bool) ([]*txbuilder.Utxo, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		selected []*txbuilder.Utxo
		total    btcutil.Amount
	)
	for _, utxo := range w.utxos {
		if total >= amt {
			break
		}
		if utxo.Reserved {
			continue
		}

		selected = append(selected, utxo)
		total += btcutil.Amount(utxo.TxOut.Value)
	}

	if total < amt {
		return nil, fmt.Errorf("%w: have %v, need %v",
			ErrInsufficientFunds, total, amt)
	}

	if lock {
		for _, utxo := range selected {
			utxo.Reserved = true
		}
	}

	return selected, nil
}

// UnreserveUtxos releases reserved outputs.
func (w *MockWallet) UnreserveUtxos(_ context.Context,
	outpoints []wire.OutPoint) error {

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, op := range outpoints {
		for _, utxo := range w.utxos {
			if utxo.OutPoint == op {
				utxo.Reserved = false
			}
		}
	}

	return nil
}

// Reserved returns the number of reserved outputs.
func (w *MockWallet) Reserved() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var n int
	for _, utxo := range w.utxos {
		if utxo.Reserved {
			n++
		}
	}

	return n
}

// SignPsbtInput signs and finalizes input idx if it pays to a wallet key.
// Other inputs are left untouched.
func (w *MockWallet) SignPsbtInput(_ context.Context, packet *psbt.Packet,
	idx int) error {

	if idx < 0 || idx >= len(packet.Inputs) {
		return fmt.Errorf("input %d out of range", idx)
	}

	in := &packet.Inputs[idx]
	if in.WitnessUtxo == nil {
		return fmt.Errorf("input %d has no witness utxo", idx)
	}

	w.mu.Lock()
	priv, ok := w.keys[string(in.WitnessUtxo.PkScript)]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	tx := packet.UnsignedTx
	prevOuts := NewPrevOuts()
	for i, pIn := range packet.Inputs {
		if pIn.WitnessUtxo == nil {
			continue
		}
		prevOuts.AddPrevOut(
			tx.TxIn[i].PreviousOutPoint, pIn.WitnessUtxo,
		)
	}
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	witness, err := txscript.WitnessSignature(
		tx, sigHashes, idx, in.WitnessUtxo.Value,
		in.WitnessUtxo.PkScript, txscript.SigHashAll, priv, true,
	)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := psbt.WriteTxWitness(&buf, witness); err != nil {
		return err
	}
	in.FinalScriptWitness = buf.Bytes()

	return nil
}

// SignRawTransaction signs every input of tx that spends a wallet output
// known to the chain.
func (w *MockWallet) SignRawTransaction(_ context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, error) {

	signed := tx.Copy()
	prevOuts := w.chain.PrevOutFetcher(signed)
	sigHashes := txscript.NewTxSigHashes(signed, prevOuts)

	w.mu.Lock()
	defer w.mu.Unlock()

	for idx, in := range signed.TxIn {
		prevOut := prevOuts.FetchPrevOutput(in.PreviousOutPoint)
		if prevOut == nil {
			continue
		}

		priv, ok := w.keys[string(prevOut.PkScript)]
		if !ok {
			continue
		}

		witness, err := txscript.WitnessSignature(
			signed, sigHashes, idx, prevOut.Value,
			prevOut.PkScript, txscript.SigHashAll, priv, true,
		)
		if err != nil {
			return nil, err
		}
		in.Witness = witness
	}

	return signed, nil
}
