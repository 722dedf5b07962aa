package contract

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// OfferedContract is a contract in the offered state, as held by both
// parties.
type OfferedContract struct {
	// ID is the temporary contract id.
	ID [32]byte

	// IsOfferParty is true on the offering side.
	IsOfferParty bool

	// ContractInfos are the outcome spaces of the contract.
	ContractInfos []*ContractInfo

	// CounterParty is the node key of the other party.
	CounterParty *btcec.PublicKey

	// OfferParams are the offering party's funding parameters.
	OfferParams *txbuilder.PartyParams

	TotalCollateral btcutil.Amount

	// FundingInputs are the offering party's funding inputs.
	FundingInputs []dlcmsg.FundingInput

	FundOutputSerialID uint64
	FeeRate            chainfee.SatPerVByte

	// CetLockTime is the lock time of the CETs, the latest maturity of
	// the announcements.
	CetLockTime uint32

	// RefundLockTime is the lock time of the refund transaction.
	RefundLockTime uint32

	// KeysID re-derives this party's signer for the contract.
	KeysID [32]byte

	// CreatedAt is the time the contract was offered or received.
	CreatedAt time.Time
}

// NewOfferedContract creates the offering party's record from validated
// terms. announcements holds one list of announcements per outcome space.
func NewOfferedContract(id [32]byte, input *Input,
	announcements [][]*oracle.Announcement,
	offerParams *txbuilder.PartyParams,
	fundingInputs []dlcmsg.FundingInput, counterParty *btcec.PublicKey,
	refundDelay uint32, createdAt time.Time,
	keysID [32]byte) (*OfferedContract, error) {

	if err := input.Validate(); err != nil {
		return nil, err
	}

	if len(announcements) != len(input.ContractInfos) {
		return nil, fmt.Errorf("%w: %d announcement sets for %d "+
			"contract infos", ErrInvalidParameters,
			len(announcements), len(input.ContractInfos))
	}

	total, err := input.TotalCollateral()
	if err != nil {
		return nil, err
	}

	infos := make([]*ContractInfo, len(input.ContractInfos))
	for i, in := range input.ContractInfos {
		err := matchOracles(&in.Oracles, announcements[i])
		if err != nil {
			return nil, err
		}

		infos[i] = &ContractInfo{
			Descriptor:    in.Descriptor,
			Announcements: announcements[i],
			Threshold:     int(in.Oracles.Threshold),
		}
		if err := infos[i].Validate(); err != nil {
			return nil, err
		}
	}

	maturity := latestMaturity(infos)
	fundSerialID, err := NewSerialID()
	if err != nil {
		return nil, err
	}

	return &OfferedContract{
		ID:                 id,
		IsOfferParty:       true,
		ContractInfos:      infos,
		CounterParty:       counterParty,
		OfferParams:        offerParams.Copy(),
		TotalCollateral:    total,
		FundingInputs:      fundingInputs,
		FundOutputSerialID: fundSerialID,
		FeeRate:            input.FeeRate,
		CetLockTime:        maturity,
		RefundLockTime:     maturity + refundDelay,
		KeysID:             keysID,
		CreatedAt:          createdAt,
	}, nil
}

// matchOracles checks the announcements are signed by the oracles the
// input names, for the input's event.
func matchOracles(in *OracleInput, anns []*oracle.Announcement) error {
	if len(anns) != len(in.PublicKeys) {
		return fmt.Errorf("%w: %d announcements for %d oracles",
			ErrInvalidParameters, len(anns), len(in.PublicKeys))
	}

	for i, ann := range anns {
		if ann == nil || ann.OraclePublicKey == nil {
			return fmt.Errorf("%w: missing announcement %d",
				ErrInvalidParameters, i)
		}

		if !bytes.Equal(schnorr.SerializePubKey(ann.OraclePublicKey),
			schnorr.SerializePubKey(in.PublicKeys[i])) {

			return fmt.Errorf("%w: announcement %d is not from "+
				"oracle %d", ErrInvalidParameters, i, i)
		}

		if in.EventID != "" && ann.Event.EventID != in.EventID {
			return fmt.Errorf("%w: announcement %d is for event "+
				"%s, not %s", ErrInvalidParameters, i,
				ann.Event.EventID, in.EventID)
		}
	}

	return nil
}

func latestMaturity(infos []*ContractInfo) uint32 {
	var maturity uint32
	for _, info := range infos {
		for _, ann := range info.Announcements {
			if ann.Event.Maturity > maturity {
				maturity = ann.Event.Maturity
			}
		}
	}

	return maturity
}

// FromOfferMessage creates the accepting party's record of a received
// offer.
func FromOfferMessage(msg *dlcmsg.Offer, counterParty *btcec.PublicKey,
	keysID [32]byte, receivedAt time.Time) (*OfferedContract, error) {

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	infos := make([]*ContractInfo, len(msg.ContractInfos))
	for i, ci := range msg.ContractInfos {
		infos[i] = &ContractInfo{
			Descriptor:    ci.Descriptor,
			Announcements: ci.OracleInfo.Announcements,
			Threshold:     int(ci.OracleInfo.Threshold),
		}
		if err := infos[i].Validate(); err != nil {
			return nil, err
		}
		if _, err := infos[i].Payouts(msg.TotalCollateral); err != nil {
			return nil, err
		}
	}

	inputs, inputAmount, err := dlcmsg.FundingInputsInfo(msg.FundingInputs)
	if err != nil {
		return nil, err
	}

	offerParams := &txbuilder.PartyParams{
		FundPubKey:     msg.FundingPubKey,
		ChangeScript:   msg.ChangeScript,
		ChangeSerialID: msg.ChangeSerialID,
		PayoutScript:   msg.PayoutScript,
		PayoutSerialID: msg.PayoutSerialID,
		Inputs:         inputs,
		InputAmount:    inputAmount,
		Collateral:     msg.OfferCollateral,
	}

	return &OfferedContract{
		ID:                 msg.TemporaryContractID,
		IsOfferParty:       false,
		ContractInfos:      infos,
		CounterParty:       counterParty,
		OfferParams:        offerParams,
		TotalCollateral:    msg.TotalCollateral,
		FundingInputs:      msg.FundingInputs,
		FundOutputSerialID: msg.FundOutputSerialID,
		FeeRate:            msg.FeeRate,
		CetLockTime:        msg.CetLockTime,
		RefundLockTime:     msg.RefundLockTime,
		KeysID:             keysID,
		CreatedAt:          receivedAt,
	}, nil
}

// OfferMessage returns the Offer message for the contract.
func (o *OfferedContract) OfferMessage(chainHash chainhash.Hash) *dlcmsg.Offer {
	infos := make([]dlcmsg.ContractInfo, len(o.ContractInfos))
	for i, ci := range o.ContractInfos {
		infos[i] = dlcmsg.ContractInfo{
			Descriptor: ci.Descriptor,
			OracleInfo: dlcmsg.OracleInfo{
				Announcements: ci.Announcements,
				Threshold:     uint16(ci.Threshold),
			},
		}
	}

	return &dlcmsg.Offer{
		ProtocolVersion:     dlcmsg.ProtocolVersion,
		ChainHash:           chainHash,
		TemporaryContractID: o.ID,
		ContractInfos:       infos,
		TotalCollateral:     o.TotalCollateral,
		FundingPubKey:       o.OfferParams.FundPubKey,
		PayoutScript:        o.OfferParams.PayoutScript,
		PayoutSerialID:      o.OfferParams.PayoutSerialID,
		OfferCollateral:     o.OfferParams.Collateral,
		FundingInputs:       o.FundingInputs,
		ChangeScript:        o.OfferParams.ChangeScript,
		ChangeSerialID:      o.OfferParams.ChangeSerialID,
		FundOutputSerialID:  o.FundOutputSerialID,
		FeeRate:             o.FeeRate,
		CetLockTime:         o.CetLockTime,
		RefundLockTime:      o.RefundLockTime,
	}
}

// AcceptCollateral returns the collateral the accepting party commits.
func (o *OfferedContract) AcceptCollateral() btcutil.Amount {
	return o.TotalCollateral - o.OfferParams.Collateral
}

// Payouts returns the payouts of the outcome space at idx.
func (o *OfferedContract) Payouts(idx int) ([]payout.Payout, error) {
	if idx < 0 || idx >= len(o.ContractInfos) {
		return nil, fmt.Errorf("%w: no contract info %d",
			ErrInvalidState, idx)
	}

	return o.ContractInfos[idx].Payouts(o.TotalCollateral)
}

// Terms returns the transaction terms of the contract.
func (o *OfferedContract) Terms() *txbuilder.Terms {
	return &txbuilder.Terms{
		FeeRate:            o.FeeRate,
		CetLockTime:        o.CetLockTime,
		RefundLockTime:     o.RefundLockTime,
		FundOutputSerialID: o.FundOutputSerialID,
	}
}

// Copy returns a copy that shares no mutable state with o.
func (o *OfferedContract) Copy() *OfferedContract {
	cp := *o
	cp.OfferParams = o.OfferParams.Copy()
	cp.ContractInfos = append([]*ContractInfo(nil), o.ContractInfos...)
	cp.FundingInputs = append(
		[]dlcmsg.FundingInput(nil), o.FundingInputs...,
	)

	return &cp
}

// SplitCets splits the concatenated CETs of the contract by outcome space
// and returns the offset of each space in cets.
func (o *OfferedContract) SplitCets(cets []*wire.MsgTx) ([][]*wire.MsgTx,
	[]int, error) {

	var (
		spaces  = make([][]*wire.MsgTx, len(o.ContractInfos))
		offsets = make([]int, len(o.ContractInfos))
		offset  int
	)
	for i, ci := range o.ContractInfos {
		n := len(ci.Descriptor.Payouts())
		if offset+n > len(cets) {
			return nil, nil, fmt.Errorf("%w: %d cets for %d "+
				"outcome spaces", ErrInvalidState, len(cets),
				len(o.ContractInfos))
		}

		spaces[i] = cets[offset : offset+n]
		offsets[i] = offset
		offset += n
	}

	if offset != len(cets) {
		return nil, nil, fmt.Errorf("%w: %d cets, expected %d",
			ErrInvalidState, len(cets), offset)
	}

	return spaces, offsets, nil
}
