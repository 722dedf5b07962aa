package test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// FundingTx returns a transaction paying amounts to pkScript. Its single
// input spends a made up outpoint derived from nonce so every call yields a
// distinct transaction.
func FundingTx(nonce uint32, pkScript []byte,
	amounts ...btcutil.Amount) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.DoubleHashH([]byte{byte(nonce >> 8), byte(nonce)}),
			Index: nonce,
		},
	})
	for _, amt := range amounts {
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(amt),
			PkScript: pkScript,
		})
	}

	return tx
}

// DestScript returns a deterministic P2WPKH output script.
func DestScript(t *testing.T, index int32) []byte {
	t.Helper()

	_, pub := CreateKey(index)
	_, pkScript, err := P2WPKHAddress(pub)
	require.NoError(t, err)

	return pkScript
}
