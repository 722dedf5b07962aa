package payout

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
)

// ErrInvalidDescriptor is returned when a payout descriptor is malformed or
// does not distribute exactly the total collateral.
var ErrInvalidDescriptor = errors.New("invalid payout descriptor")

// Payout is the split of the total collateral for one outcome.
type Payout struct {
	Offer  btcutil.Amount
	Accept btcutil.Amount
}

// Total returns the sum of both sides of the payout.
func (p Payout) Total() btcutil.Amount {
	return p.Offer + p.Accept
}

// Path is one way for oracles to reach a CET: the outcomes attested to,
// in nonce order.
type Path struct {
	// CetIndex is the index of the CET within its outcome space.
	CetIndex int

	// Outcomes are the attested outcomes. For enumerations there is a
	// single outcome, for numeric events a prefix of digits.
	Outcomes []string
}

// Descriptor is a payout function over oracle outcomes.
type Descriptor interface {
	// Validate checks every payout distributes totalCollateral.
	Validate(totalCollateral btcutil.Amount) error

	// Payouts returns one payout per CET.
	Payouts() []Payout

	// Paths returns every outcome path, in CET order.
	Paths() ([]Path, error)
}

// EnumOutcome pairs an enumerated outcome with its payout.
type EnumOutcome struct {
	Outcome string
	Payout  Payout
}

// EnumDescriptor maps each enumerated outcome to a payout.
type EnumDescriptor struct {
	Outcomes []EnumOutcome
}

// Validate checks the outcomes are unique and fully distribute the
// collateral.
func (d *EnumDescriptor) Validate(totalCollateral btcutil.Amount) error {
	if len(d.Outcomes) == 0 {
		return fmt.Errorf("%w: no outcomes", ErrInvalidDescriptor)
	}

	seen := make(map[string]struct{}, len(d.Outcomes))
	for _, o := range d.Outcomes {
		if _, ok := seen[o.Outcome]; ok {
			return fmt.Errorf("%w: duplicate outcome %q",
				ErrInvalidDescriptor, o.Outcome)
		}
		seen[o.Outcome] = struct{}{}

		if err := checkPayout(o.Payout, totalCollateral); err != nil {
			return err
		}
	}

	return nil
}

// Payouts returns the payouts in outcome order.
func (d *EnumDescriptor) Payouts() []Payout {
	payouts := make([]Payout, len(d.Outcomes))
	for i, o := range d.Outcomes {
		payouts[i] = o.Payout
	}

	return payouts
}

// Paths returns one single-outcome path per outcome.
func (d *EnumDescriptor) Paths() ([]Path, error) {
	paths := make([]Path, len(d.Outcomes))
	for i, o := range d.Outcomes {
		paths[i] = Path{CetIndex: i, Outcomes: []string{o.Outcome}}
	}

	return paths, nil
}

// RangePayout assigns a payout to Count consecutive outcome values starting
// at Start.
type RangePayout struct {
	Start  uint64
	Count  uint64
	Payout Payout
}

// NumericalDescriptor is a step payout function over a numeric event
// attested in NbDigits digits of the given Base.
type NumericalDescriptor struct {
	Base     uint64
	NbDigits int
	Ranges   []RangePayout
}

// MaxValue returns the largest value the event can take.
func (d *NumericalDescriptor) MaxValue() (uint64, error) {
	if d.Base < 2 || d.NbDigits < 1 {
		return 0, fmt.Errorf("%w: base %d with %d digits",
			ErrInvalidDescriptor, d.Base, d.NbDigits)
	}

	max := uint64(1)
	for i := 0; i < d.NbDigits; i++ {
		if max > math.MaxUint64/d.Base {
			return 0, fmt.Errorf("%w: %d digits overflow",
				ErrInvalidDescriptor, d.NbDigits)
		}
		max *= d.Base
	}

	return max - 1, nil
}

// Validate checks the ranges are contiguous, cover every possible value and
// distribute the collateral.
func (d *NumericalDescriptor) Validate(totalCollateral btcutil.Amount) error {
	max, err := d.MaxValue()
	if err != nil {
		return err
	}

	if len(d.Ranges) == 0 {
		return fmt.Errorf("%w: no ranges", ErrInvalidDescriptor)
	}

	var next uint64
	for i, r := range d.Ranges {
		if r.Start != next {
			return fmt.Errorf("%w: range %d starts at %d, "+
				"expected %d", ErrInvalidDescriptor, i, r.Start,
				next)
		}
		if r.Count == 0 || r.Count-1 > max-r.Start {
			return fmt.Errorf("%w: range %d out of bounds",
				ErrInvalidDescriptor, i)
		}

		if err := checkPayout(r.Payout, totalCollateral); err != nil {
			return err
		}

		next = r.Start + r.Count
	}

	if next-1 != max {
		return fmt.Errorf("%w: ranges end at %d, expected %d",
			ErrInvalidDescriptor, next-1, max)
	}

	return nil
}

// Payouts returns one payout per range.
func (d *NumericalDescriptor) Payouts() []Payout {
	payouts := make([]Payout, len(d.Ranges))
	for i, r := range d.Ranges {
		payouts[i] = r.Payout
	}

	return payouts
}

// Paths returns the digit prefixes covering each range.
func (d *NumericalDescriptor) Paths() ([]Path, error) {
	if _, err := d.MaxValue(); err != nil {
		return nil, err
	}

	var paths []Path
	for i, r := range d.Ranges {
		if r.Count == 0 {
			return nil, fmt.Errorf("%w: empty range %d",
				ErrInvalidDescriptor, i)
		}

		prefixes := DigitPrefixes(
			r.Start, r.Start+r.Count-1, d.Base, d.NbDigits,
		)
		for _, prefix := range prefixes {
			outcomes := make([]string, len(prefix))
			for j, digit := range prefix {
				outcomes[j] = strconv.FormatUint(digit, 10)
			}
			paths = append(paths, Path{
				CetIndex: i,
				Outcomes: outcomes,
			})
		}
	}

	return paths, nil
}

// DigitPrefixes returns the smallest set of digit prefixes whose completions
// are exactly the values in [start, end]. Every prefix has at least one
// digit.
func DigitPrefixes(start, end, base uint64, nbDigits int) [][]uint64 {
	var prefixes [][]uint64

	cur := start
	for {
		// Grow the block while it stays aligned and inside the range.
		size, free := uint64(1), 0
		for free < nbDigits-1 {
			next := size * base
			if cur%next != 0 || next-1 > end-cur {
				break
			}
			size = next
			free++
		}

		prefixes = append(prefixes, digits(cur/size, base, nbDigits-free))

		if end-cur == size-1 {
			break
		}
		cur += size
	}

	return prefixes
}

func digits(value, base uint64, n int) []uint64 {
	d := make([]uint64, n)
	for i := n - 1; i >= 0; i-- {
		d[i] = value % base
		value /= base
	}

	return d
}

func checkPayout(p Payout, total btcutil.Amount) error {
	if p.Offer < 0 || p.Accept < 0 {
		return fmt.Errorf("%w: negative payout", ErrInvalidDescriptor)
	}
	if p.Total() != total {
		return fmt.Errorf("%w: payout %v does not match total "+
			"collateral %v", ErrInvalidDescriptor, p.Total(), total)
	}

	return nil
}
