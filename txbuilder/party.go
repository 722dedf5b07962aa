package txbuilder

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// TxInputInfo is a funding input as both parties see it.
type TxInputInfo struct {
	// OutPoint is the output being spent.
	OutPoint wire.OutPoint

	// MaxWitnessLen is the largest witness the input may carry.
	MaxWitnessLen int

	// RedeemScript is set for P2SH wrapped inputs.
	RedeemScript []byte

	// SerialID orders the input within the funding transaction.
	SerialID uint64
}

// Utxo is a wallet output that can fund a contract.
type Utxo struct {
	TxOut    *wire.TxOut
	OutPoint wire.OutPoint
	Address  btcutil.Address

	// RedeemScript is set for P2SH wrapped outputs.
	RedeemScript []byte

	Reserved bool
}

// PartyParams is one party's contribution to a contract.
type PartyParams struct {
	// FundPubKey is the party's key in the 2-of-2 funding script.
	FundPubKey *btcec.PublicKey

	// ChangeScript receives the party's change from funding.
	ChangeScript []byte

	// ChangeSerialID orders the change output in the funding
	// transaction.
	ChangeSerialID uint64

	// PayoutScript receives the party's payout from CETs and refund.
	PayoutScript []byte

	// PayoutSerialID orders the payout output in CETs and refund.
	PayoutSerialID uint64

	// Inputs are the party's funding inputs.
	Inputs []TxInputInfo

	// InputAmount is the total value of Inputs.
	InputAmount btcutil.Amount

	// Collateral is the amount the party commits to the contract.
	Collateral btcutil.Amount
}

// Copy returns a deep copy of the params.
func (p *PartyParams) Copy() *PartyParams {
	cp := *p
	cp.ChangeScript = cloneBytes(p.ChangeScript)
	cp.PayoutScript = cloneBytes(p.PayoutScript)
	cp.Inputs = make([]TxInputInfo, len(p.Inputs))
	for i, in := range p.Inputs {
		cp.Inputs[i] = in
		cp.Inputs[i].RedeemScript = cloneBytes(in.RedeemScript)
	}

	return &cp
}

// ChangeOutputAndFees returns the party's change output along with its share
// of the funding fee and of the CET/refund fee. The change value is what is
// left of the inputs once collateral, both fees and extraFee are paid.
func (p *PartyParams) ChangeOutputAndFees(feeRate chainfee.SatPerVByte,
	extraFee btcutil.Amount) (*wire.TxOut, btcutil.Amount, btcutil.Amount,
	error) {

	var inputsWeight int64
	for _, in := range p.Inputs {
		scriptSig, err := redeemScriptToScriptSig(in.RedeemScript)
		if err != nil {
			return nil, 0, 0, err
		}

		inputsWeight += TxInputBaseWeight + 4*int64(len(scriptSig)) +
			int64(in.MaxWitnessLen)
	}

	changeWeight := 4 * int64(len(p.ChangeScript))
	fundWeight := FundTxBaseWeight/2 + inputsWeight + changeWeight +
		fundOutputWeight

	fundFee, err := WeightToFee(fundWeight, feeRate)
	if err != nil {
		return nil, 0, 0, err
	}

	cetWeight := CetBaseWeight/2 + 4*int64(len(p.PayoutScript))
	cetFee, err := WeightToFee(cetWeight, feeRate)
	if err != nil {
		return nil, 0, 0, err
	}

	required, err := CheckedAdd(p.Collateral, fundFee, cetFee, extraFee)
	if err != nil {
		return nil, 0, 0, err
	}

	if p.InputAmount < required {
		return nil, 0, 0, fmt.Errorf("%w: inputs %v, required %v",
			ErrInsufficientFunds, p.InputAmount, required)
	}

	change := &wire.TxOut{
		Value:    int64(p.InputAmount - required),
		PkScript: cloneBytes(p.ChangeScript),
	}

	return change, fundFee, cetFee, nil
}

// redeemScriptToScriptSig returns the script sig pushing redeemScript, or
// nothing for native segwit inputs.
func redeemScriptToScriptSig(redeemScript []byte) ([]byte, error) {
	if len(redeemScript) == 0 {
		return nil, nil
	}

	return txscript.NewScriptBuilder().AddData(redeemScript).Script()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}
