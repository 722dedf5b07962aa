package contract

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lntypes"
)

// LoanTerms are the loan specific terms of a loan contract. The ratios,
// rate and duration are carried but not interpreted.
type LoanTerms struct {
	CollateralRatio  uint64
	LiquidationRatio uint64
	InterestRate     uint64
	Duration         uint64

	// LenderHash commits to the lender's preimage.
	LenderHash lntypes.Hash

	// EscrowCSVDelay is the relative lock time after which the lender
	// alone can spend the escrow.
	EscrowCSVDelay uint32
}

// OfferedLoanContract is a loan contract in the offered state. The offering
// party is the lender.
type OfferedLoanContract struct {
	OfferedContract
	LoanTerms
}

// NewOfferedLoanContract wraps the lender's offered contract with the loan
// terms of input.
func NewOfferedLoanContract(input *LoanInput, offered *OfferedContract,
	lenderHash lntypes.Hash, csvDelay uint32) (*OfferedLoanContract,
	error) {

	if err := input.Validate(); err != nil {
		return nil, err
	}

	if offered.OfferParams.Collateral != 0 {
		return nil, fmt.Errorf("%w: lender collateral must be zero",
			ErrInvalidParameters)
	}

	return &OfferedLoanContract{
		OfferedContract: *offered.Copy(),
		LoanTerms: LoanTerms{
			CollateralRatio:  input.CollateralRatio,
			LiquidationRatio: input.LiquidationRatio,
			InterestRate:     input.InterestRate,
			Duration:         input.Duration,
			LenderHash:       lenderHash,
			EscrowCSVDelay:   csvDelay,
		},
	}, nil
}

// FromOfferLoanMessage creates the borrower's record of a received loan
// offer.
func FromOfferLoanMessage(msg *dlcmsg.OfferLoan,
	counterParty *btcec.PublicKey, keysID [32]byte,
	receivedAt time.Time) (*OfferedLoanContract, error) {

	if msg.InterestRate == 0 || msg.InterestRate > 100 {
		return nil, fmt.Errorf("%w: interest rate must be between 1 "+
			"and 100", ErrInvalidParameters)
	}
	if msg.Duration == 0 {
		return nil, fmt.Errorf("%w: duration must be greater than 0",
			ErrInvalidParameters)
	}
	if msg.OfferCollateral != 0 {
		return nil, fmt.Errorf("%w: lender collateral must be zero",
			ErrInvalidParameters)
	}
	if msg.EscrowCSVDelay == 0 {
		return nil, fmt.Errorf("%w: escrow csv delay must be non-zero",
			ErrInvalidParameters)
	}

	offered, err := FromOfferMessage(
		&msg.Offer, counterParty, keysID, receivedAt,
	)
	if err != nil {
		return nil, err
	}

	return &OfferedLoanContract{
		OfferedContract: *offered,
		LoanTerms: LoanTerms{
			CollateralRatio:  msg.CollateralRatio,
			LiquidationRatio: msg.LiquidationRatio,
			InterestRate:     msg.InterestRate,
			Duration:         msg.Duration,
			LenderHash:       msg.LenderHash,
			EscrowCSVDelay:   msg.EscrowCSVDelay,
		},
	}, nil
}

// OfferLoanMessage returns the OfferLoan message for the contract.
func (o *OfferedLoanContract) OfferLoanMessage(
	chainHash chainhash.Hash) *dlcmsg.OfferLoan {

	return &dlcmsg.OfferLoan{
		Offer:            *o.OfferMessage(chainHash),
		CollateralRatio:  o.CollateralRatio,
		LiquidationRatio: o.LiquidationRatio,
		InterestRate:     o.InterestRate,
		Duration:         o.Duration,
		LenderHash:       o.LenderHash,
		EscrowCSVDelay:   o.EscrowCSVDelay,
	}
}

// AcceptedLoanContract is a loan contract in the accepted state. Its funding
// transaction is the collateral transaction spending the borrower's escrow.
type AcceptedLoanContract struct {
	AcceptedContract
	LoanTerms

	// EscrowTxID is the id of the borrower's escrow transaction.
	EscrowTxID chainhash.Hash

	// BorrowerHash commits to the borrower's preimage.
	BorrowerHash lntypes.Hash

	// SignedEscrowSpendTx is the collateral transaction carrying the
	// borrower's signature and preimage, waiting for the lender's
	// signature.
	SignedEscrowSpendTx *wire.MsgTx
}

// ToAcceptedContract returns the base protocol record of the loan. Only the
// loan specific fields are dropped.
func (a *AcceptedLoanContract) ToAcceptedContract() *AcceptedContract {
	return a.AcceptedContract.Copy()
}

// AcceptLoanMessage returns the AcceptLoan message carrying sigs, the
// borrower's adaptor signatures, and the escrow data the lender needs to
// verify the collateral transaction.
func (a *AcceptedLoanContract) AcceptLoanMessage(sigs []*adaptor.Signature,
	escrowAmount btcutil.Amount, escrow *txbuilder.EscrowScript,
	collateralScript []byte) *dlcmsg.AcceptLoan {

	return &dlcmsg.AcceptLoan{
		Accept:              *a.AcceptMessage(sigs),
		EscrowTxID:          a.EscrowTxID,
		BorrowerHash:        a.BorrowerHash,
		SignedEscrowSpendTx: a.SignedEscrowSpendTx.Copy(),
		EscrowAmount:        escrowAmount,
		EscrowScript:        escrow.Script(),
		CollateralScript:    collateralScript,
	}
}
