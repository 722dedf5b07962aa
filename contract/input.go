package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// OracleInput lists the oracles an outcome space relies on.
type OracleInput struct {
	// PublicKeys are the oracles' x-only keys.
	PublicKeys []*btcec.PublicKey

	// EventID identifies the attested event.
	EventID string

	// Threshold is the number of oracles that must attest.
	Threshold uint16
}

// Validate checks there is at least one oracle and a threshold in
// [1, len(PublicKeys)].
func (o *OracleInput) Validate() error {
	if len(o.PublicKeys) == 0 {
		return fmt.Errorf("%w: oracle input must have at least one "+
			"public key", ErrInvalidParameters)
	}

	if int(o.Threshold) > len(o.PublicKeys) {
		return fmt.Errorf("%w: threshold cannot be larger than number "+
			"of oracles", ErrInvalidParameters)
	}

	if o.Threshold == 0 {
		return fmt.Errorf("%w: threshold cannot be zero",
			ErrInvalidParameters)
	}

	return nil
}

// InputInfo is one outcome space of a contract input.
type InputInfo struct {
	Descriptor payout.Descriptor
	Oracles    OracleInput
}

// Input holds the terms a party proposes for a contract.
type Input struct {
	OfferCollateral  btcutil.Amount
	AcceptCollateral btcutil.Amount
	FeeRate          chainfee.SatPerVByte
	ContractInfos    []InputInfo
}

// TotalCollateral returns the sum of both collaterals.
func (c *Input) TotalCollateral() (btcutil.Amount, error) {
	total, err := txbuilder.CheckedAdd(
		c.OfferCollateral, c.AcceptCollateral,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}

	return total, nil
}

// Validate checks the terms. No cryptographic work is done here.
func (c *Input) Validate() error {
	if len(c.ContractInfos) == 0 {
		return fmt.Errorf("%w: need at least one contract info",
			ErrInvalidParameters)
	}

	for i := range c.ContractInfos {
		if err := c.ContractInfos[i].Oracles.Validate(); err != nil {
			return err
		}
	}

	if err := txbuilder.ValidateFeeRate(c.FeeRate); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	total, err := c.TotalCollateral()
	if err != nil {
		return err
	}

	for i, info := range c.ContractInfos {
		if info.Descriptor == nil {
			return fmt.Errorf("%w: contract info %d has no "+
				"descriptor", ErrInvalidParameters, i)
		}
		if err := info.Descriptor.Validate(total); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}

	return nil
}

// LoanInput holds the terms of a loan contract. The lender commits no
// funds to the DLC; the borrower's collateral funds it through an escrow.
type LoanInput struct {
	CollateralRatio  uint64
	LiquidationRatio uint64
	InterestRate     uint64
	Duration         uint64
	Collateral       btcutil.Amount
	FeeRate          chainfee.SatPerVByte
	ContractInfos    []InputInfo
}

// Validate checks the loan economics and the underlying contract terms.
func (l *LoanInput) Validate() error {
	if l.InterestRate == 0 || l.InterestRate > 100 {
		return fmt.Errorf("%w: interest rate must be between 1 and "+
			"100", ErrInvalidParameters)
	}

	if l.Duration == 0 {
		return fmt.Errorf("%w: duration must be greater than 0",
			ErrInvalidParameters)
	}

	ci := l.ContractInput()
	return ci.Validate()
}

// ContractInput returns the base contract terms of the loan: the lender
// offers with zero collateral and the borrower accepts with the whole
// collateral.
func (l *LoanInput) ContractInput() *Input {
	return &Input{
		OfferCollateral:  0,
		AcceptCollateral: l.Collateral,
		FeeRate:          l.FeeRate,
		ContractInfos:    l.ContractInfos,
	}
}
