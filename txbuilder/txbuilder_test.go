package txbuilder

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightningnetwork/lnd/input"
	"github.com/stretchr/testify/require"
)

// assertEngineExecution executes the VM returned by the newEngine closure,
// asserting the result matches the validity expectation. In the case where it
// doesn't match the expectation, it executes the script step-by-step and
// prints debug information to stdout.
func assertEngineExecution(t *testing.T, valid bool,
	newEngine func() (*txscript.Engine, error)) {

	t.Helper()

	vm, err := newEngine()
	require.NoError(t, err, "unable to create engine")

	vmErr := vm.Execute()
	executionValid := vmErr == nil
	if valid == executionValid {
		return
	}

	vm, err = newEngine()
	require.NoError(t, err, "unable to create engine")

	var debugBuf bytes.Buffer

	done := false
	for !done {
		dis, err := vm.DisasmPC()
		if err != nil {
			t.Fatalf("stepping (%v)\n", err)
		}
		debugBuf.WriteString(fmt.Sprintf("stepping %v\n", dis))

		done, err = vm.Step()
		if err != nil && valid {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case failed, spend "+
				"should be valid: %v", err)
		} else if err == nil && !valid && done {
			fmt.Println(debugBuf.String())
			t.Fatalf("spend test case succeed, spend "+
				"should be invalid: %v", err)
		}

		debugBuf.WriteString(
			fmt.Sprintf("Stack: %v", vm.GetStack()),
		)
		debugBuf.WriteString(
			fmt.Sprintf("AltStack: %v", vm.GetAltStack()),
		)
	}

	if !valid {
		t.Fatalf("spend should be invalid: %v", vmErr)
	}
}

func createKey(index byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	var b [32]byte
	b[31] = index + 1

	return btcec.PrivKeyFromBytes(b[:])
}

func p2wpkh(t *testing.T, pub *btcec.PublicKey) []byte {
	t.Helper()

	pkScript, err := input.WitnessPubKeyHash(pub.SerializeCompressed())
	require.NoError(t, err)

	return pkScript
}

func testParams(t *testing.T, keyIndex byte, serialBase uint64,
	inputAmount, collateral btcutil.Amount) (*PartyParams,
	*btcec.PrivateKey) {

	t.Helper()

	priv, pub := createKey(keyIndex)
	_, changePub := createKey(keyIndex + 10)
	_, payoutPub := createKey(keyIndex + 20)

	return &PartyParams{
		FundPubKey:     pub,
		ChangeScript:   p2wpkh(t, changePub),
		ChangeSerialID: serialBase + 1,
		PayoutScript:   p2wpkh(t, payoutPub),
		PayoutSerialID: serialBase + 2,
		Inputs: []TxInputInfo{{
			OutPoint: wire.OutPoint{
				Hash:  sha256.Sum256([]byte{keyIndex}),
				Index: uint32(keyIndex),
			},
			MaxWitnessLen: P2WPKHWitnessSize,
			SerialID:      serialBase,
		}},
		InputAmount: inputAmount,
		Collateral:  collateral,
	}, priv
}

// TestChangeOutputAndFees tests the per party fee split.
func TestChangeOutputAndFees(t *testing.T) {
	params, _ := testParams(t, 1, 10, 1_000_000, 500_000)

	change, fundFee, cetFee, err := params.ChangeOutputAndFees(4, 0)
	require.NoError(t, err)

	// (107 + 164 + 107 + 4*22 + 36) weight -> 126 vbytes.
	require.EqualValues(t, 504, fundFee)

	// (250 + 4*22) weight -> 85 vbytes.
	require.EqualValues(t, 340, cetFee)
	require.EqualValues(t, 1_000_000-500_000-504-340, change.Value)
	require.Equal(t, params.ChangeScript, change.PkScript)

	params.InputAmount = 500_000
	_, _, _, err = params.ChangeOutputAndFees(4, 0)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// A nested input pays for its 23 byte script sig: 92 more weight
	// units, 149 vbytes in total.
	params.InputAmount = 1_000_000
	params.Inputs[0].RedeemScript = make([]byte, 22)
	_, fundFee, _, err = params.ChangeOutputAndFees(4, 0)
	require.NoError(t, err)
	require.EqualValues(t, 596, fundFee)
}

// TestFeeHelpers tests fee rounding and bounds.
func TestFeeHelpers(t *testing.T) {
	fee, err := WeightToFee(5, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, fee)

	_, err = WeightToFee(1<<62, 1<<20)
	require.ErrorIs(t, err, ErrOutOfRange)

	require.NoError(t, ValidateFeeRate(MaxFeeRate))
	require.ErrorIs(t, ValidateFeeRate(MaxFeeRate+1), ErrFeeRateTooHigh)

	half, err := HalfCommonFee(2)
	require.NoError(t, err)
	require.EqualValues(t, 179, half)

	_, err = CheckedAdd(1<<62, 1<<62, 1<<62)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func testPayouts(total btcutil.Amount) []payout.Payout {
	return []payout.Payout{
		{Offer: total},
		{Offer: total / 2, Accept: total - total/2},
		{Accept: total},
	}
}

// TestCreateDlcTransactions asserts transaction construction is
// deterministic and ordered by serial ids.
func TestCreateDlcTransactions(t *testing.T) {
	offer, _ := testParams(t, 1, 30, 2_000_000, 1_000_000)
	accept, _ := testParams(t, 2, 10, 3_000_000, 1_500_000)
	terms := &Terms{
		FeeRate:            2,
		CetLockTime:        100,
		RefundLockTime:     200,
		FundOutputSerialID: 20,
	}
	total := offer.Collateral + accept.Collateral

	txs, err := CreateDlcTransactions(
		offer, accept, testPayouts(total), terms, 0,
	)
	require.NoError(t, err)

	// The accept side builds from copies and gets the same result.
	txs2, err := CreateDlcTransactions(
		offer.Copy(), accept.Copy(), testPayouts(total), terms, 0,
	)
	require.NoError(t, err)
	require.Equal(t, txs.Fund.TxHash(), txs2.Fund.TxHash())
	require.Equal(t, txs.Refund.TxHash(), txs2.Refund.TxHash())
	for i := range txs.Cets {
		require.Equal(t, txs.Cets[i].TxHash(), txs2.Cets[i].TxHash())
	}

	// Inputs: accept (serial 10) before offer (serial 30).
	require.Len(t, txs.Fund.TxIn, 2)
	require.Equal(t, accept.Inputs[0].OutPoint,
		txs.Fund.TxIn[0].PreviousOutPoint)
	require.Equal(t, offer.Inputs[0].OutPoint,
		txs.Fund.TxIn[1].PreviousOutPoint)
	require.Equal(t, uint32(wire.MaxTxInSequenceNum),
		txs.Fund.TxIn[0].Sequence)

	// Outputs: accept change (11), fund (20), offer change (31).
	require.Len(t, txs.Fund.TxOut, 3)
	require.Equal(t, accept.ChangeScript, txs.Fund.TxOut[0].PkScript)
	require.Equal(t, offer.ChangeScript, txs.Fund.TxOut[2].PkScript)

	fundOutPoint, fundValue, err := txs.FundOutPoint()
	require.NoError(t, err)
	require.Equal(t, uint32(1), fundOutPoint.Index)

	_, _, offerCetFee, err := offer.ChangeOutputAndFees(2, 0)
	require.NoError(t, err)
	_, _, acceptCetFee, err := accept.ChangeOutputAndFees(2, 0)
	require.NoError(t, err)
	require.Equal(t, total+offerCetFee+acceptCetFee, fundValue)

	// Full payouts drop the losing output.
	require.Len(t, txs.Cets, 3)
	require.Len(t, txs.Cets[0].TxOut, 1)
	require.Equal(t, offer.PayoutScript, txs.Cets[0].TxOut[0].PkScript)
	require.Len(t, txs.Cets[1].TxOut, 2)
	require.Equal(t, accept.PayoutScript, txs.Cets[1].TxOut[0].PkScript)
	for _, cet := range txs.Cets {
		require.Equal(t, uint32(100), cet.LockTime)
		require.Equal(t, *fundOutPoint, cet.TxIn[0].PreviousOutPoint)
		require.Equal(t, uint32(enableLockTime), cet.TxIn[0].Sequence)
	}

	require.Equal(t, uint32(200), txs.Refund.LockTime)
	require.Len(t, txs.Refund.TxOut, 2)
	require.EqualValues(t, accept.Collateral, txs.Refund.TxOut[0].Value)

	// Copy is deep.
	cp := txs.Copy()
	cp.Cets[0].LockTime = 1
	require.Equal(t, uint32(100), txs.Cets[0].LockTime)

	// Payouts must distribute the whole collateral.
	_, err = CreateDlcTransactions(
		offer, accept, testPayouts(total-1), terms, 0,
	)
	require.ErrorIs(t, err, ErrInvalidPayouts)
}

// TestDustChangeDropped tests that a change output below dust is omitted.
func TestDustChangeDropped(t *testing.T) {
	offer, _ := testParams(t, 1, 30, 2_000_000, 1_000_000)
	accept, _ := testParams(t, 2, 10, 3_000_000, 1_500_000)
	_, fundFee, cetFee, err := offer.ChangeOutputAndFees(1, 0)
	require.NoError(t, err)

	// Leave the offer party 100 sat of change, below the dust limit.
	offer.InputAmount = offer.Collateral + fundFee + cetFee + 100

	change, _, _, err := offer.ChangeOutputAndFees(1, 0)
	require.NoError(t, err)
	require.EqualValues(t, 100, change.Value)

	txs, err := CreateDlcTransactions(
		offer, accept, testPayouts(2_500_000), &Terms{FeeRate: 1}, 0,
	)
	require.NoError(t, err)

	// Funding output and the accept party's change only.
	require.Len(t, txs.Fund.TxOut, 2)
	for _, out := range txs.Fund.TxOut {
		require.NotEqual(t, offer.ChangeScript, out.PkScript)
	}
}

// TestCetSpendsFundOutput signs a CET with both funding keys and executes
// the script.
func TestCetSpendsFundOutput(t *testing.T) {
	offer, offerPriv := testParams(t, 1, 30, 2_000_000, 1_000_000)
	accept, acceptPriv := testParams(t, 2, 10, 3_000_000, 1_500_000)
	total := offer.Collateral + accept.Collateral

	txs, err := CreateDlcTransactions(
		offer, accept, testPayouts(total), &Terms{FeeRate: 2}, 0,
	)
	require.NoError(t, err)

	_, fundValue, err := txs.FundOutPoint()
	require.NoError(t, err)
	fundPkScript, err := input.WitnessScriptHash(txs.FundingScript)
	require.NoError(t, err)

	cet := txs.Cets[1]
	acceptSig, err := RawSignature(
		cet, 0, txs.FundingScript, fundValue, acceptPriv,
	)
	require.NoError(t, err)

	// A wrong key does not verify.
	err = VerifyTxInputSig(
		cet, 0, txs.FundingScript, fundValue, acceptSig,
		offer.FundPubKey,
	)
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Nor does a wrong amount.
	err = VerifyTxInputSig(
		cet, 0, txs.FundingScript, fundValue-1, acceptSig,
		accept.FundPubKey,
	)
	require.ErrorIs(t, err, ErrInvalidSignature)

	require.NoError(t, SignMultiSigInput(
		cet, 0, txs.FundingScript, fundValue, offerPriv, acceptSig,
		accept.FundPubKey,
	))

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		fundPkScript, int64(fundValue),
	)
	assertEngineExecution(t, true, func() (*txscript.Engine, error) {
		return txscript.NewEngine(
			fundPkScript, cet, 0, txscript.StandardVerifyFlags,
			nil, txscript.NewTxSigHashes(cet, prevOutFetcher),
			int64(fundValue), prevOutFetcher,
		)
	})

	// Swapping in a signature for another CET fails.
	otherSig, err := RawSignature(
		txs.Cets[0], 0, txs.FundingScript, fundValue, acceptPriv,
	)
	require.NoError(t, err)
	err = SignMultiSigInput(
		cet, 0, txs.FundingScript, fundValue, offerPriv, otherSig,
		accept.FundPubKey,
	)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, err = WitnessSigHash(cet, 1, txs.FundingScript, fundValue)
	require.Error(t, err)

}
