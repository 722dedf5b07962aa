package txbuilder

import (
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// TxInputBaseWeight is the weight of a funding input without its
	// script sig and witness: outpoint, sequence and script sig length.
	TxInputBaseWeight = 164

	// FundTxBaseWeight is the weight of the funding transaction without
	// inputs or change outputs, shared equally by both parties.
	FundTxBaseWeight = 214

	// CetBaseWeight is the weight of a CET without its payout scripts,
	// shared equally by both parties.
	CetBaseWeight = 500

	// P2WPKHWitnessSize is the max witness size of a P2WPKH input.
	P2WPKHWitnessSize = 107

	// fundOutputWeight is the weight each party pays for its share of
	// the funding output.
	fundOutputWeight = 36

	// approxInputWeight is added to coin selection targets to cover the
	// spend of one extra input.
	approxInputWeight = 124

	// MaxFeeRate is the highest fee rate accepted for a contract.
	MaxFeeRate chainfee.SatPerVByte = 25 * 250
)

var (
	// ErrOutOfRange is returned when an amount computation overflows.
	ErrOutOfRange = errors.New("amount out of range")

	// ErrInsufficientFunds is returned when a party's inputs do not
	// cover its collateral and fees.
	ErrInsufficientFunds = errors.New("insufficient funding inputs")

	// ErrFeeRateTooHigh is returned for fee rates above MaxFeeRate.
	ErrFeeRateTooHigh = errors.New("fee rate too high")
)

// WeightToFee returns the fee for weight at feeRate, rounding the virtual
// size up.
func WeightToFee(weight int64, feeRate chainfee.SatPerVByte) (btcutil.Amount,
	error) {

	if weight < 0 || feeRate < 0 {
		return 0, ErrOutOfRange
	}

	vsize := (weight + 3) / 4
	if feeRate != 0 && vsize > math.MaxInt64/int64(feeRate) {
		return 0, ErrOutOfRange
	}

	return btcutil.Amount(vsize * int64(feeRate)), nil
}

// ValidateFeeRate rejects fee rates above MaxFeeRate.
func ValidateFeeRate(feeRate chainfee.SatPerVByte) error {
	if feeRate > MaxFeeRate {
		return fmt.Errorf("%w: %v > %v", ErrFeeRateTooHigh, feeRate,
			MaxFeeRate)
	}

	return nil
}

// HalfCommonFee returns each party's share of the base weight of the
// funding transaction and the CET.
func HalfCommonFee(feeRate chainfee.SatPerVByte) (btcutil.Amount, error) {
	fee, err := WeightToFee(FundTxBaseWeight+CetBaseWeight, feeRate)
	if err != nil {
		return 0, err
	}

	return fee / 2, nil
}

// RequiredFunding returns the amount a party should select from its wallet
// to cover collateral plus an approximation of its fees.
func RequiredFunding(collateral btcutil.Amount,
	feeRate chainfee.SatPerVByte) (btcutil.Amount, error) {

	common, err := HalfCommonFee(feeRate)
	if err != nil {
		return 0, err
	}
	input, err := WeightToFee(approxInputWeight, feeRate)
	if err != nil {
		return 0, err
	}

	return CheckedAdd(collateral, common, input)
}

// CheckedAdd sums non-negative amounts, failing on overflow.
func CheckedAdd(amounts ...btcutil.Amount) (btcutil.Amount, error) {
	var sum btcutil.Amount
	for _, a := range amounts {
		if a < 0 || sum > math.MaxInt64-a {
			return 0, ErrOutOfRange
		}
		sum += a
	}

	return sum, nil
}
