package dlcmsg

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightninglabs/dlc/utils"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ProtocolVersion is the version of the messages in this package.
const ProtocolVersion = 1

// ErrInvalidMessage is returned when a message fails validation.
var ErrInvalidMessage = errors.New("invalid dlc message")

// FundingInput is a funding input with the previous transaction attached
// so the counterparty can check its value.
type FundingInput struct {
	InputSerialID uint64
	PrevTx        *wire.MsgTx
	PrevTxVout    uint32
	Sequence      uint32
	MaxWitnessLen uint16
	RedeemScript  []byte
}

// TxInputInfo returns the input as used for transaction construction along
// with its value.
func (f *FundingInput) TxInputInfo() (txbuilder.TxInputInfo,
	btcutil.Amount, error) {

	if f.PrevTx == nil || int(f.PrevTxVout) >= len(f.PrevTx.TxOut) {
		return txbuilder.TxInputInfo{}, 0, fmt.Errorf("%w: funding "+
			"input %d references a missing output",
			ErrInvalidMessage, f.InputSerialID)
	}

	info := txbuilder.TxInputInfo{
		OutPoint: wire.OutPoint{
			Hash:  f.PrevTx.TxHash(),
			Index: f.PrevTxVout,
		},
		MaxWitnessLen: int(f.MaxWitnessLen),
		RedeemScript:  f.RedeemScript,
		SerialID:      f.InputSerialID,
	}

	return info, btcutil.Amount(f.PrevTx.TxOut[f.PrevTxVout].Value), nil
}

// PrevOut returns the output spent by the input.
func (f *FundingInput) PrevOut() (*wire.TxOut, error) {
	if f.PrevTx == nil || int(f.PrevTxVout) >= len(f.PrevTx.TxOut) {
		return nil, fmt.Errorf("%w: funding input %d references a "+
			"missing output", ErrInvalidMessage, f.InputSerialID)
	}

	return f.PrevTx.TxOut[f.PrevTxVout], nil
}

// EncodePrevTx returns the previous transaction serialized, as carried on the
// wire.
func (f *FundingInput) EncodePrevTx() ([]byte, error) {
	return utils.EncodeTx(f.PrevTx)
}

// FundingInputsInfo converts funding inputs and sums their value.
func FundingInputsInfo(inputs []FundingInput) ([]txbuilder.TxInputInfo,
	btcutil.Amount, error) {

	infos := make([]txbuilder.TxInputInfo, 0, len(inputs))
	var total btcutil.Amount
	for i := range inputs {
		info, value, err := inputs[i].TxInputInfo()
		if err != nil {
			return nil, 0, err
		}

		total, err = txbuilder.CheckedAdd(total, value)
		if err != nil {
			return nil, 0, err
		}
		infos = append(infos, info)
	}

	return infos, total, nil
}

// OracleInfo is the set of oracles an outcome space relies on.
type OracleInfo struct {
	Announcements []*oracle.Announcement
	Threshold     uint16
}

// ContractInfo is one outcome space as sent in an offer.
type ContractInfo struct {
	Descriptor payout.Descriptor
	OracleInfo OracleInfo
}

// Offer is sent by the offering party to propose a contract.
type Offer struct {
	ProtocolVersion     uint32
	ContractFlags       uint8
	ChainHash           chainhash.Hash
	TemporaryContractID [32]byte
	ContractInfos       []ContractInfo
	TotalCollateral     btcutil.Amount
	FundingPubKey       *btcec.PublicKey
	PayoutScript        []byte
	PayoutSerialID      uint64
	OfferCollateral     btcutil.Amount
	FundingInputs       []FundingInput
	ChangeScript        []byte
	ChangeSerialID      uint64
	FundOutputSerialID  uint64
	FeeRate             chainfee.SatPerVByte
	CetLockTime         uint32
	RefundLockTime      uint32
}

// Validate checks the offer is well formed.
func (o *Offer) Validate() error {
	if o.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d",
			ErrInvalidMessage, o.ProtocolVersion)
	}

	if o.FundingPubKey == nil {
		return fmt.Errorf("%w: missing funding key", ErrInvalidMessage)
	}

	if len(o.ContractInfos) == 0 {
		return fmt.Errorf("%w: no contract info", ErrInvalidMessage)
	}

	if err := txbuilder.ValidateFeeRate(o.FeeRate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	if o.OfferCollateral < 0 || o.TotalCollateral < o.OfferCollateral {
		return fmt.Errorf("%w: offer collateral %v with total %v",
			ErrInvalidMessage, o.OfferCollateral, o.TotalCollateral)
	}

	if o.CetLockTime > o.RefundLockTime {
		return fmt.Errorf("%w: cet lock time after refund lock time",
			ErrInvalidMessage)
	}

	serialIDs := []uint64{
		o.PayoutSerialID, o.ChangeSerialID, o.FundOutputSerialID,
	}
	for _, in := range o.FundingInputs {
		serialIDs = append(serialIDs, in.InputSerialID)
	}

	return checkUniqueSerialIDs(serialIDs)
}

// Accept is sent by the accepting party in response to an Offer.
type Accept struct {
	ProtocolVersion      uint32
	TemporaryContractID  [32]byte
	AcceptCollateral     btcutil.Amount
	FundingPubKey        *btcec.PublicKey
	PayoutScript         []byte
	PayoutSerialID       uint64
	FundingInputs        []FundingInput
	ChangeScript         []byte
	ChangeSerialID       uint64
	CetAdaptorSignatures []*adaptor.Signature
	RefundSignature      *ecdsa.Signature
}

// Validate checks the accept message is well formed.
func (a *Accept) Validate() error {
	if a.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: unsupported protocol version %d",
			ErrInvalidMessage, a.ProtocolVersion)
	}

	if a.FundingPubKey == nil || a.RefundSignature == nil {
		return fmt.Errorf("%w: missing funding key or refund "+
			"signature", ErrInvalidMessage)
	}

	if len(a.CetAdaptorSignatures) == 0 {
		return fmt.Errorf("%w: no adaptor signatures",
			ErrInvalidMessage)
	}

	serialIDs := []uint64{a.PayoutSerialID, a.ChangeSerialID}
	for _, in := range a.FundingInputs {
		serialIDs = append(serialIDs, in.InputSerialID)
	}

	return checkUniqueSerialIDs(serialIDs)
}

// FundingSignature holds the witness of one funding input.
type FundingSignature struct {
	WitnessElements [][]byte
}

// Sign is sent by the offering party once it verified an Accept.
type Sign struct {
	ProtocolVersion      uint32
	ContractID           [32]byte
	CetAdaptorSignatures []*adaptor.Signature
	RefundSignature      *ecdsa.Signature
	FundingSignatures    []FundingSignature
}

// OfferLoan is the offer of a loan contract by the lender.
type OfferLoan struct {
	Offer

	CollateralRatio  uint64
	LiquidationRatio uint64
	InterestRate     uint64
	Duration         uint64
	LenderHash       lntypes.Hash
	EscrowCSVDelay   uint32
}

// AcceptLoan is the borrower's accept of a loan contract.
type AcceptLoan struct {
	Accept

	EscrowTxID          chainhash.Hash
	BorrowerHash        lntypes.Hash
	SignedEscrowSpendTx *wire.MsgTx
	EscrowAmount        btcutil.Amount
	EscrowScript        []byte
	CollateralScript    []byte
}

func checkUniqueSerialIDs(ids []uint64) error {
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: duplicate serial id %d",
				ErrInvalidMessage, id)
		}
		seen[id] = struct{}{}
	}

	return nil
}
