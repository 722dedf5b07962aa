package chain

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/test"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// unspentResult returns a listunspent entry paying amt to a key of the test
// wallet.
func unspentResult(t *testing.T, index int32, amt float64,
	spendable bool) btcjson.ListUnspentResult {

	t.Helper()

	_, pub := test.CreateKey(index)
	addr, pkScript, err := test.P2WPKHAddress(pub)
	require.NoError(t, err)

	txid := chainhash.HashH([]byte{byte(index)})

	return btcjson.ListUnspentResult{
		TxID:          txid.String(),
		Vout:          uint32(index),
		Address:       addr.EncodeAddress(),
		ScriptPubKey:  hex.EncodeToString(pkScript),
		Amount:        amt,
		Confirmations: 6,
		Spendable:     spendable,
	}
}

// TestSelectUtxos asserts outputs are selected in order until the amount
// and the fee of the selected inputs are covered.
func TestSelectUtxos(t *testing.T) {
	unspent := []btcjson.ListUnspentResult{
		unspentResult(t, 1, 0.001, true),
		unspentResult(t, 2, 0.5, false),
		unspentResult(t, 3, 0.002, true),
		unspentResult(t, 4, 0.003, true),
	}

	// One input at 10 sat/vB costs (164+107+3)/4*10 = 680 sat.
	tests := []struct {
		name     string
		amt      btcutil.Amount
		feeRate  chainfee.SatPerVByte
		expected []uint32
		err      error
	}{
		{
			name:     "first output",
			amt:      50_000,
			feeRate:  10,
			expected: []uint32{1},
		},
		{
			name:     "fee needs second output",
			amt:      99_500,
			feeRate:  10,
			expected: []uint32{1, 3},
		},
		{
			name:     "no fee",
			amt:      100_000,
			expected: []uint32{1},
		},
		{
			name:     "unspendable skipped",
			amt:      300_000,
			feeRate:  1,
			expected: []uint32{1, 3, 4},
		},
		{
			name:    "insufficient",
			amt:     600_000,
			feeRate: 1,
			err:     ErrInsufficientFunds,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			utxos, err := selectUtxos(
				unspent, tc.amt, tc.feeRate, testParams,
			)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)

			var vouts []uint32
			for _, utxo := range utxos {
				vouts = append(vouts, utxo.OutPoint.Index)
			}
			require.Equal(t, tc.expected, vouts)
		})
	}
}

// TestUtxoFromResult asserts the conversion of a listunspent entry.
func TestUtxoFromResult(t *testing.T) {
	result := unspentResult(t, 7, 0.0123, true)

	utxo, err := utxoFromResult(result, testParams)
	require.NoError(t, err)

	require.EqualValues(t, 1_230_000, utxo.TxOut.Value)
	require.Equal(t, result.ScriptPubKey,
		hex.EncodeToString(utxo.TxOut.PkScript))
	require.Equal(t, result.TxID, utxo.OutPoint.Hash.String())
	require.EqualValues(t, 7, utxo.OutPoint.Index)
	require.Equal(t, result.Address, utxo.Address.EncodeAddress())
	require.Nil(t, utxo.RedeemScript)
	require.False(t, utxo.Reserved)

	// Addresses of another network are rejected.
	_, err = utxoFromResult(result, &chaincfg.MainNetParams)
	require.Error(t, err)

	result.ScriptPubKey = "zz"
	_, err = utxoFromResult(result, testParams)
	require.Error(t, err)
}

// TestCopyFinalInput asserts only the requested input's final scripts are
// taken from the wallet's packet.
func TestCopyFinalInput(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 2}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, test.DestScript(t, 1)))

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)

	var witness bytes.Buffer
	err = psbt.WriteTxWitness(&witness, wire.TxWitness{{1}, {2, 3}})
	require.NoError(t, err)

	signed, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	signed.Inputs[0].FinalScriptWitness = witness.Bytes()
	encoded, err := signed.B64Encode()
	require.NoError(t, err)

	// The wallet did not sign input 1.
	require.NoError(t, copyFinalInput(packet, encoded, 1))
	require.Nil(t, packet.Inputs[1].FinalScriptWitness)

	require.NoError(t, copyFinalInput(packet, encoded, 0))
	require.Equal(t, witness.Bytes(), packet.Inputs[0].FinalScriptWitness)
	require.Nil(t, packet.Inputs[1].FinalScriptWitness)

	// A packet for another transaction is rejected.
	other := tx.Copy()
	other.LockTime = 100
	otherPacket, err := psbt.NewFromUnsignedTx(other)
	require.NoError(t, err)
	require.Error(t, copyFinalInput(otherPacket, encoded, 0))

	require.ErrorIs(t, copyFinalInput(packet, encoded, 2), ErrInputIndex)
}

// TestFeeRateFromBtcPerKvB asserts bitcoind estimates are rounded up to
// whole sat/vB.
func TestFeeRateFromBtcPerKvB(t *testing.T) {
	rate, err := feeRateFromBtcPerKvB(0.00001)
	require.NoError(t, err)
	require.EqualValues(t, 1, rate)

	rate, err = feeRateFromBtcPerKvB(0.00012345)
	require.NoError(t, err)
	require.EqualValues(t, 13, rate)
}

// TestConfigValidate asserts the default port is filled in per network.
func TestConfigValidate(t *testing.T) {
	cfg := &Config{Host: "localhost", Params: testParams}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "localhost:18443", cfg.Host)

	cfg = &Config{Host: "10.0.0.1:1234", Params: testParams}
	require.NoError(t, cfg.Validate())
	require.Equal(t, "10.0.0.1:1234", cfg.Host)

	require.ErrorIs(t, (&Config{Params: testParams}).Validate(),
		ErrMissingHost)
	require.ErrorIs(t, (&Config{Host: "localhost"}).Validate(),
		ErrMissingParams)
}
