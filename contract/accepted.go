package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/txbuilder"
)

// AcceptedContract is a contract in the accepted state.
type AcceptedContract struct {
	Offered *OfferedContract

	// AcceptParams are the accepting party's funding parameters.
	AcceptParams *txbuilder.PartyParams

	// FundingInputs are the accepting party's funding inputs.
	FundingInputs []dlcmsg.FundingInput

	// AdaptorInfos holds one entry per outcome space.
	AdaptorInfos []*AdaptorInfo

	// AdaptorSignatures are the accepting party's adaptor signatures.
	// Only the offering party keeps them; the accepting side leaves this
	// nil.
	AdaptorSignatures []*adaptor.Signature

	AcceptRefundSignature *ecdsa.Signature

	DlcTransactions *txbuilder.DlcTransactions
}

// ContractID returns the id of the contract.
func (a *AcceptedContract) ContractID() ([32]byte, error) {
	fundOutPoint, _, err := a.DlcTransactions.FundOutPoint()
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	return ComputeID(
		fundOutPoint.Hash, uint16(fundOutPoint.Index), a.Offered.ID,
	), nil
}

// IDString returns the contract id as 0x prefixed hex.
func (a *AcceptedContract) IDString() (string, error) {
	id, err := a.ContractID()
	if err != nil {
		return "", err
	}

	return IDString(id), nil
}

// OwnParams returns the funding parameters of the party holding the
// record.
func (a *AcceptedContract) OwnParams() *txbuilder.PartyParams {
	if a.Offered.IsOfferParty {
		return a.Offered.OfferParams
	}

	return a.AcceptParams
}

// CounterParams returns the funding parameters of the other party.
func (a *AcceptedContract) CounterParams() *txbuilder.PartyParams {
	if a.Offered.IsOfferParty {
		return a.AcceptParams
	}

	return a.Offered.OfferParams
}

// AcceptMessage returns the Accept message carrying sigs, the accepting
// party's adaptor signatures.
func (a *AcceptedContract) AcceptMessage(
	sigs []*adaptor.Signature) *dlcmsg.Accept {

	return &dlcmsg.Accept{
		ProtocolVersion:      dlcmsg.ProtocolVersion,
		TemporaryContractID:  a.Offered.ID,
		AcceptCollateral:     a.AcceptParams.Collateral,
		FundingPubKey:        a.AcceptParams.FundPubKey,
		PayoutScript:         a.AcceptParams.PayoutScript,
		PayoutSerialID:       a.AcceptParams.PayoutSerialID,
		FundingInputs:        a.FundingInputs,
		ChangeScript:         a.AcceptParams.ChangeScript,
		ChangeSerialID:       a.AcceptParams.ChangeSerialID,
		CetAdaptorSignatures: sigs,
		RefundSignature:      a.AcceptRefundSignature,
	}
}

// ComputePnL returns the profit or loss of the record holder if cet is
// broadcast: its payout in cet minus its collateral.
func (a *AcceptedContract) ComputePnL(cet *wire.MsgTx) (btcutil.Amount,
	error) {

	params := a.OwnParams()

	var final int64
	for _, out := range cet.TxOut {
		if bytes.Equal(out.PkScript, params.PayoutScript) {
			final = out.Value
			break
		}
	}

	if final < 0 || final > btcutil.MaxSatoshi ||
		params.Collateral < 0 || params.Collateral > btcutil.MaxSatoshi {

		return 0, fmt.Errorf("%w: payout %d, collateral %v",
			ErrOutOfRange, final, params.Collateral)
	}

	return btcutil.Amount(final) - params.Collateral, nil
}

// Copy returns a copy that shares no mutable state with a.
func (a *AcceptedContract) Copy() *AcceptedContract {
	cp := *a
	cp.Offered = a.Offered.Copy()
	cp.AcceptParams = a.AcceptParams.Copy()
	cp.FundingInputs = append(
		[]dlcmsg.FundingInput(nil), a.FundingInputs...,
	)
	cp.AdaptorInfos = append([]*AdaptorInfo(nil), a.AdaptorInfos...)
	if a.AdaptorSignatures != nil {
		cp.AdaptorSignatures = append(
			[]*adaptor.Signature(nil), a.AdaptorSignatures...,
		)
	}
	cp.DlcTransactions = a.DlcTransactions.Copy()

	return &cp
}
