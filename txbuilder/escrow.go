package txbuilder

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/utils"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// EscrowOutputIndex is the index of the escrow output in the escrow
// transaction.
const EscrowOutputIndex = 0

// EscrowScript is the script locking a borrower's escrowed collateral.
//
// OP_IF
//
//	OP_SIZE <32> OP_EQUALVERIFY OP_SHA256 <borrowerHash> OP_EQUALVERIFY
//	<borrowerKey> OP_CHECKSIGVERIFY <lenderKey> OP_CHECKSIG
//
// OP_ELSE
//
//	<csvDelay> OP_CHECKSEQUENCEVERIFY OP_DROP <lenderKey> OP_CHECKSIG
//
// OP_ENDIF
type EscrowScript struct {
	script []byte

	BorrowerKey  *btcec.PublicKey
	LenderKey    *btcec.PublicKey
	BorrowerHash lntypes.Hash
	CSVDelay     uint32
}

// NewEscrowScript builds the escrow script.
func NewEscrowScript(borrowerKey, lenderKey *btcec.PublicKey,
	borrowerHash lntypes.Hash, csvDelay uint32) (*EscrowScript, error) {

	if csvDelay == 0 {
		return nil, errors.New("escrow csv delay must be non-zero")
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)

	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(0x20)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(borrowerHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(borrowerKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIGVERIFY)
	builder.AddData(lenderKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddInt64(int64(csvDelay))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(lenderKey.SerializeCompressed())
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return &EscrowScript{
		script:       script,
		BorrowerKey:  borrowerKey,
		LenderKey:    lenderKey,
		BorrowerHash: borrowerHash,
		CSVDelay:     csvDelay,
	}, nil
}

// Script returns the witness script.
func (e *EscrowScript) Script() []byte {
	return e.script
}

// PkScript returns the P2WSH output script.
func (e *EscrowScript) PkScript() ([]byte, error) {
	return input.WitnessScriptHash(e.script)
}

// Address returns the P2WSH address of the escrow.
func (e *EscrowScript) Address(params *chaincfg.Params) (btcutil.Address,
	error) {

	hash := sha256.Sum256(e.script)
	return btcutil.NewAddressWitnessScriptHash(hash[:], params)
}

// GenSuccessWitness returns the witness spending the escrow with both
// signatures and the borrower preimage. A nil lenderSig leaves an empty
// placeholder for the lender to fill in.
func (e *EscrowScript) GenSuccessWitness(lenderSig, borrowerSig []byte,
	preimage lntypes.Preimage) wire.TxWitness {

	witnessStack := make(wire.TxWitness, 5)
	if lenderSig != nil {
		witnessStack[0] = append(
			cloneBytes(lenderSig), byte(txscript.SigHashAll),
		)
	}
	witnessStack[1] = append(
		cloneBytes(borrowerSig), byte(txscript.SigHashAll),
	)
	witnessStack[2] = cloneBytes(preimage[:])
	witnessStack[3] = []byte{1}
	witnessStack[4] = e.script

	return witnessStack
}

// GenTimeoutWitness returns the witness for the lender-only spend after the
// csv delay.
func (e *EscrowScript) GenTimeoutWitness(lenderSig []byte) wire.TxWitness {
	witnessStack := make(wire.TxWitness, 3)
	witnessStack[0] = append(cloneBytes(lenderSig), byte(txscript.SigHashAll))
	witnessStack[1] = []byte{}
	witnessStack[2] = e.script

	return witnessStack
}

// IsSuccessWitness checks whether the witness spends the escrow through the
// hash lock path.
func (e *EscrowScript) IsSuccessWitness(witness wire.TxWitness) bool {
	return len(witness) == 5
}

// MaxSuccessWitnessSize returns the maximum success witness size.
func (e *EscrowScript) MaxSuccessWitnessSize() int {
	// Calculate maximum success witness size
	//
	// - number_of_witness_elements: 1 byte
	// - lender_sig_length: 1 byte
	// - lender_sig: 73 bytes
	// - borrower_sig_length: 1 byte
	// - borrower_sig: 73 bytes
	// - preimage_length: 1 byte
	// - preimage: 32 bytes
	// - branch_selector: 2 bytes
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	return 1 + 1 + 73 + 1 + 73 + 1 + 32 + 2 + 1 + len(e.script)
}

// AddSuccessToEstimator adds a success path input to the estimator.
func (e *EscrowScript) AddSuccessToEstimator(
	estimator *input.TxWeightEstimator) {

	estimator.AddWitnessInput(lntypes.WeightUnit(e.MaxSuccessWitnessSize()))
}

// CollateralTxFee returns the fee of the transaction moving the escrow into
// the funding output.
func (e *EscrowScript) CollateralTxFee(
	feeRate chainfee.SatPerVByte) btcutil.Amount {

	var estimator input.TxWeightEstimator
	e.AddSuccessToEstimator(&estimator)
	estimator.AddP2WSHOutput()

	return feeRate.FeePerKWeight().FeeForWeight(estimator.Weight())
}

// EscrowAmount returns the value the borrower escrows: the collateral, both
// parties' CET fee share and the collateral transaction fee.
func EscrowAmount(offer, accept *PartyParams, escrow *EscrowScript,
	feeRate chainfee.SatPerVByte) (btcutil.Amount, error) {

	var cetFees []btcutil.Amount
	for _, p := range []*PartyParams{offer, accept} {
		fee, err := WeightToFee(
			CetBaseWeight/2+4*int64(len(p.PayoutScript)), feeRate,
		)
		if err != nil {
			return 0, err
		}
		cetFees = append(cetFees, fee)
	}

	return CheckedAdd(
		offer.Collateral, accept.Collateral, cetFees[0], cetFees[1],
		escrow.CollateralTxFee(feeRate),
	)
}

// CreateEscrowTransaction builds the transaction paying escrowAmount to the
// escrow script from the borrower's inputs, with change to changeScript.
func CreateEscrowTransaction(inputs []TxInputInfo, inputAmount btcutil.Amount,
	escrow *EscrowScript, escrowAmount btcutil.Amount, changeScript []byte,
	feeRate chainfee.SatPerVByte) (*wire.MsgTx, error) {

	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no escrow inputs",
			ErrInsufficientFunds)
	}

	escrowPkScript, err := escrow.PkScript()
	if err != nil {
		return nil, err
	}

	var estimator input.TxWeightEstimator
	tx := wire.NewMsgTx(TxVersion)
	for _, in := range inputs {
		switch {
		case len(in.RedeemScript) == 0:
			estimator.AddWitnessInput(
				lntypes.WeightUnit(in.MaxWitnessLen),
			)

		case txscript.IsPayToWitnessPubKeyHash(in.RedeemScript):
			estimator.AddNestedP2WKHInput()

		default:
			estimator.AddNestedP2WSHInput(
				lntypes.WeightUnit(in.MaxWitnessLen),
			)
		}

		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: in.OutPoint,
			Sequence:         wire.MaxTxInSequenceNum,
		})
	}
	estimator.AddP2WSHOutput()
	estimator.AddOutput(changeScript)

	fee := feeRate.FeePerKWeight().FeeForWeight(estimator.Weight())
	required, err := CheckedAdd(escrowAmount, fee)
	if err != nil {
		return nil, err
	}
	if inputAmount < required {
		return nil, fmt.Errorf("%w: inputs %v, required %v",
			ErrInsufficientFunds, inputAmount, required)
	}

	tx.AddTxOut(&wire.TxOut{
		Value:    int64(escrowAmount),
		PkScript: escrowPkScript,
	})

	change := &wire.TxOut{
		Value:    int64(inputAmount - required),
		PkScript: cloneBytes(changeScript),
	}
	if !utils.IsDust(change) {
		tx.AddTxOut(change)
	}

	return tx, nil
}

// CreateCollateralTransaction builds the transaction spending the escrow
// output into the 2-of-2 funding output.
func CreateCollateralTransaction(escrowOutPoint wire.OutPoint,
	escrowAmount btcutil.Amount, escrow *EscrowScript, fundPkScript []byte,
	feeRate chainfee.SatPerVByte) (*wire.MsgTx, error) {

	fee := escrow.CollateralTxFee(feeRate)
	if escrowAmount <= fee {
		return nil, fmt.Errorf("%w: escrow %v does not cover fee %v",
			ErrInsufficientFunds, escrowAmount, fee)
	}

	tx := wire.NewMsgTx(TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: escrowOutPoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    int64(escrowAmount - fee),
		PkScript: cloneBytes(fundPkScript),
	})

	return tx, nil
}

// CreateLoanDlcTransactions builds the CETs and refund spending the funding
// output of collateralTx, which takes the place of the funding transaction.
func CreateLoanDlcTransactions(offer, accept *PartyParams,
	payouts []payout.Payout, terms *Terms,
	collateralTx *wire.MsgTx) (*DlcTransactions, error) {

	fundingScript, fundPkScript, err := FundingScript(offer, accept)
	if err != nil {
		return nil, err
	}

	fundOutPoint, fundValue, err := utils.FindScriptOutput(
		collateralTx, fundPkScript,
	)
	if err != nil {
		return nil, err
	}

	totalCollateral, err := CheckedAdd(offer.Collateral, accept.Collateral)
	if err != nil {
		return nil, err
	}
	if fundValue < totalCollateral {
		return nil, fmt.Errorf("%w: collateral output %v below total "+
			"collateral %v", ErrInsufficientFunds, fundValue,
			totalCollateral)
	}

	cets, err := CreateCets(
		*fundOutPoint, offer, accept, payouts, terms.CetLockTime,
	)
	if err != nil {
		return nil, err
	}

	refund, err := CreateRefundTransaction(
		*fundOutPoint, offer, accept, terms.RefundLockTime,
	)
	if err != nil {
		return nil, err
	}

	return &DlcTransactions{
		Fund:          collateralTx.Copy(),
		Cets:          cets,
		Refund:        refund,
		FundingScript: fundingScript,
	}, nil
}
