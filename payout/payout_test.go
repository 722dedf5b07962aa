package payout

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestDigitPrefixes tests the decomposition of value ranges into digit
// prefixes.
func TestDigitPrefixes(t *testing.T) {
	tests := []struct {
		name       string
		start, end uint64
		base       uint64
		nbDigits   int
		expected   [][]uint64
	}{
		{
			name:     "whole space keeps one digit",
			start:    0,
			end:      7,
			base:     2,
			nbDigits: 3,
			expected: [][]uint64{{0}, {1}},
		},
		{
			name:     "single value",
			start:    5,
			end:      5,
			base:     2,
			nbDigits: 3,
			expected: [][]uint64{{1, 0, 1}},
		},
		{
			name:     "unaligned binary range",
			start:    1,
			end:      6,
			base:     2,
			nbDigits: 3,
			expected: [][]uint64{
				{0, 0, 1}, {0, 1}, {1, 0}, {1, 1, 0},
			},
		},
		{
			name:     "decimal range",
			start:    8,
			end:      21,
			base:     10,
			nbDigits: 2,
			expected: [][]uint64{
				{0, 8}, {0, 9}, {1}, {2, 0}, {2, 1},
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			prefixes := DigitPrefixes(
				test.start, test.end, test.base, test.nbDigits,
			)
			require.Equal(t, test.expected, prefixes)
		})
	}
}

// TestEnumDescriptor tests enumeration validation and paths.
func TestEnumDescriptor(t *testing.T) {
	total := btcutil.Amount(100)
	d := &EnumDescriptor{
		Outcomes: []EnumOutcome{
			{Outcome: "a", Payout: Payout{Offer: 100}},
			{Outcome: "b", Payout: Payout{Accept: 100}},
		},
	}
	require.NoError(t, d.Validate(total))
	require.Equal(t, []Payout{{Offer: 100}, {Accept: 100}}, d.Payouts())

	paths, err := d.Paths()
	require.NoError(t, err)
	require.Equal(t, []Path{
		{CetIndex: 0, Outcomes: []string{"a"}},
		{CetIndex: 1, Outcomes: []string{"b"}},
	}, paths)

	require.ErrorIs(t, d.Validate(99), ErrInvalidDescriptor)

	d.Outcomes[1].Outcome = "a"
	require.ErrorIs(t, d.Validate(total), ErrInvalidDescriptor)

	require.ErrorIs(
		t, (&EnumDescriptor{}).Validate(total), ErrInvalidDescriptor,
	)
}

// TestNumericalDescriptor tests range validation and path generation.
func TestNumericalDescriptor(t *testing.T) {
	total := btcutil.Amount(1000)
	d := &NumericalDescriptor{
		Base:     2,
		NbDigits: 3,
		Ranges: []RangePayout{
			{Start: 0, Count: 2, Payout: Payout{Offer: 1000}},
			{Start: 2, Count: 5, Payout: Payout{500, 500}},
			{Start: 7, Count: 1, Payout: Payout{Accept: 1000}},
		},
	}
	require.NoError(t, d.Validate(total))

	paths, err := d.Paths()
	require.NoError(t, err)
	require.Equal(t, []Path{
		{CetIndex: 0, Outcomes: []string{"0", "0"}},
		{CetIndex: 1, Outcomes: []string{"0", "1"}},
		{CetIndex: 1, Outcomes: []string{"1", "0"}},
		{CetIndex: 1, Outcomes: []string{"1", "1", "0"}},
		{CetIndex: 2, Outcomes: []string{"1", "1", "1"}},
	}, paths)

	// Gap between ranges.
	d.Ranges[1].Start = 3
	require.ErrorIs(t, d.Validate(total), ErrInvalidDescriptor)
	d.Ranges[1].Start = 2

	// Not covering the whole space.
	d.Ranges = d.Ranges[:2]
	require.ErrorIs(t, d.Validate(total), ErrInvalidDescriptor)

	_, err = (&NumericalDescriptor{Base: 10, NbDigits: 20}).MaxValue()
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}
