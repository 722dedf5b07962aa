package txbuilder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/utils"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// TxVersion is the version of every transaction built here.
	TxVersion = 2

	// enableLockTime is the sequence used when the lock time must be
	// enforced.
	enableLockTime = wire.MaxTxInSequenceNum - 1
)

// ErrInvalidPayouts is returned when a payout does not distribute exactly
// the total collateral.
var ErrInvalidPayouts = errors.New("payouts do not match total collateral")

// DlcTransactions is the unsigned transaction set of a contract.
type DlcTransactions struct {
	// Fund is the transaction creating the 2-of-2 funding output. For
	// loans this is the collateral transaction spending the escrow.
	Fund *wire.MsgTx

	// Cets holds one CET per outcome, across all outcome spaces.
	Cets []*wire.MsgTx

	// Refund returns the collateral after the refund lock time.
	Refund *wire.MsgTx

	// FundingScript is the 2-of-2 witness script of the funding output.
	FundingScript []byte
}

// Copy returns a deep copy.
func (d *DlcTransactions) Copy() *DlcTransactions {
	cets := make([]*wire.MsgTx, len(d.Cets))
	for i, cet := range d.Cets {
		cets[i] = cet.Copy()
	}

	return &DlcTransactions{
		Fund:          d.Fund.Copy(),
		Cets:          cets,
		Refund:        d.Refund.Copy(),
		FundingScript: cloneBytes(d.FundingScript),
	}
}

// FundOutPoint returns the outpoint and value of the funding output.
func (d *DlcTransactions) FundOutPoint() (*wire.OutPoint, btcutil.Amount,
	error) {

	pkScript, err := input.WitnessScriptHash(d.FundingScript)
	if err != nil {
		return nil, 0, err
	}

	return utils.FindScriptOutput(d.Fund, pkScript)
}

// FundingScript returns the 2-of-2 witness script for the two funding keys
// along with its P2WSH output script.
func FundingScript(offer, accept *PartyParams) ([]byte, []byte, error) {
	script, err := input.GenMultiSigScript(
		offer.FundPubKey.SerializeCompressed(),
		accept.FundPubKey.SerializeCompressed(),
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := input.WitnessScriptHash(script)
	if err != nil {
		return nil, nil, err
	}

	return script, pkScript, nil
}

// Terms are the contract terms fixing the shape of the transactions.
type Terms struct {
	// FeeRate is the fee rate of the funding transaction and CETs.
	FeeRate chainfee.SatPerVByte

	// FundLockTime is the lock time of the funding transaction.
	FundLockTime uint32

	// CetLockTime is the lock time of every CET.
	CetLockTime uint32

	// RefundLockTime is the lock time of the refund transaction.
	RefundLockTime uint32

	// FundOutputSerialID orders the funding output.
	FundOutputSerialID uint64
}

// CreateDlcTransactions builds the funding transaction, one CET per payout
// and the refund transaction. The result only depends on its arguments so
// both parties derive the same transactions.
func CreateDlcTransactions(offer, accept *PartyParams, payouts []payout.Payout,
	terms *Terms, extraFee btcutil.Amount) (*DlcTransactions, error) {

	offerChange, _, offerCetFee, err := offer.ChangeOutputAndFees(
		terms.FeeRate, extraFee,
	)
	if err != nil {
		return nil, fmt.Errorf("offer party: %w", err)
	}
	acceptChange, _, acceptCetFee, err := accept.ChangeOutputAndFees(
		terms.FeeRate, extraFee,
	)
	if err != nil {
		return nil, fmt.Errorf("accept party: %w", err)
	}

	totalCollateral, err := CheckedAdd(offer.Collateral, accept.Collateral)
	if err != nil {
		return nil, err
	}
	fundValue, err := CheckedAdd(
		totalCollateral, offerCetFee, acceptCetFee, extraFee,
	)
	if err != nil {
		return nil, err
	}

	fundingScript, fundPkScript, err := FundingScript(offer, accept)
	if err != nil {
		return nil, err
	}

	fund, err := CreateFundTransaction(
		offer, accept, &wire.TxOut{
			Value:    int64(fundValue),
			PkScript: fundPkScript,
		}, offerChange, acceptChange, terms.FundOutputSerialID,
		terms.FundLockTime,
	)
	if err != nil {
		return nil, err
	}

	fundOutPoint, _, err := utils.FindScriptOutput(fund, fundPkScript)
	if err != nil {
		return nil, err
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
		Fund:          fund,
		Cets:          cets,
		Refund:        refund,
		FundingScript: fundingScript,
	}, nil
}

type serialOutput struct {
	serialID uint64
	out      *wire.TxOut
}

// sortedOutputs orders outputs by serial id and drops dust outputs.
func sortedOutputs(outputs []serialOutput) []*wire.TxOut {
	sort.SliceStable(outputs, func(i, j int) bool {
		return outputs[i].serialID < outputs[j].serialID
	})

	txOuts := make([]*wire.TxOut, 0, len(outputs))
	for _, o := range outputs {
		if utils.IsDust(o.out) {
			continue
		}
		txOuts = append(txOuts, o.out)
	}

	return txOuts
}

// CreateFundTransaction merges both parties' inputs and outputs into the
// funding transaction. Inputs and outputs are ordered by serial id; change
// outputs below the dust limit are dropped. Nested segwit inputs carry their
// script sig already so the transaction id is final before signing.
func CreateFundTransaction(offer, accept *PartyParams, fundOutput,
	offerChange, acceptChange *wire.TxOut, fundOutputSerialID uint64,
	lockTime uint32) (*wire.MsgTx, error) {

	sequence := uint32(wire.MaxTxInSequenceNum)
	if lockTime != 0 {
		sequence = enableLockTime
	}

	inputs := make([]TxInputInfo, 0, len(offer.Inputs)+len(accept.Inputs))
	inputs = append(inputs, offer.Inputs...)
	inputs = append(inputs, accept.Inputs...)
	sort.SliceStable(inputs, func(i, j int) bool {
		return inputs[i].SerialID < inputs[j].SerialID
	})

	tx := wire.NewMsgTx(TxVersion)
	tx.LockTime = lockTime
	for _, in := range inputs {
		scriptSig, err := redeemScriptToScriptSig(in.RedeemScript)
		if err != nil {
			return nil, err
		}

		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: in.OutPoint,
			SignatureScript:  scriptSig,
			Sequence:         sequence,
		})
	}

	outputs := []serialOutput{
		{serialID: fundOutputSerialID, out: fundOutput},
		{serialID: offer.ChangeSerialID, out: offerChange},
		{serialID: accept.ChangeSerialID, out: acceptChange},
	}
	tx.TxOut = sortedOutputs(outputs)

	return tx, nil
}

// CreateCets builds one CET per payout spending fundOutPoint.
func CreateCets(fundOutPoint wire.OutPoint, offer, accept *PartyParams,
	payouts []payout.Payout, lockTime uint32) ([]*wire.MsgTx, error) {

	totalCollateral, err := CheckedAdd(offer.Collateral, accept.Collateral)
	if err != nil {
		return nil, err
	}

	sequence := uint32(wire.MaxTxInSequenceNum)
	if lockTime != 0 {
		sequence = enableLockTime
	}

	cets := make([]*wire.MsgTx, 0, len(payouts))
	for i, p := range payouts {
		total, err := CheckedAdd(p.Offer, p.Accept)
		if err != nil || total != totalCollateral {
			return nil, fmt.Errorf("%w: payout %d", ErrInvalidPayouts,
				i)
		}

		cet := wire.NewMsgTx(TxVersion)
		cet.LockTime = lockTime
		cet.AddTxIn(&wire.TxIn{
			PreviousOutPoint: fundOutPoint,
			Sequence:         sequence,
		})
		cet.TxOut = sortedOutputs([]serialOutput{
			{
				serialID: offer.PayoutSerialID,
				out: &wire.TxOut{
					Value:    int64(p.Offer),
					PkScript: cloneBytes(offer.PayoutScript),
				},
			},
			{
				serialID: accept.PayoutSerialID,
				out: &wire.TxOut{
					Value:    int64(p.Accept),
					PkScript: cloneBytes(accept.PayoutScript),
				},
			},
		})

		cets = append(cets, cet)
	}

	return cets, nil
}

// CreateRefundTransaction builds the transaction returning each party's
// collateral after lockTime.
func CreateRefundTransaction(fundOutPoint wire.OutPoint, offer,
	accept *PartyParams, lockTime uint32) (*wire.MsgTx, error) {

	if _, err := CheckedAdd(offer.Collateral, accept.Collateral); err != nil {
		return nil, err
	}

	refund := wire.NewMsgTx(TxVersion)
	refund.LockTime = lockTime
	refund.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundOutPoint,
		Sequence:         enableLockTime,
	})
	refund.TxOut = sortedOutputs([]serialOutput{
		{
			serialID: offer.PayoutSerialID,
			out: &wire.TxOut{
				Value:    int64(offer.Collateral),
				PkScript: cloneBytes(offer.PayoutScript),
			},
		},
		{
			serialID: accept.PayoutSerialID,
			out: &wire.TxOut{
				Value:    int64(accept.Collateral),
				PkScript: cloneBytes(accept.PayoutScript),
			},
		},
	})

	return refund, nil
}
