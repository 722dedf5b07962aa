package contract

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/test"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

func testInput(oracles ...*test.Oracle) *Input {
	keys := make([]*btcec.PublicKey, len(oracles))
	for i, o := range oracles {
		keys[i] = o.PubKey()
	}

	return &Input{
		OfferCollateral:  testCollateral,
		AcceptCollateral: testCollateral,
		FeeRate:          2,
		ContractInfos: []InputInfo{{
			Descriptor: enumDescriptor("a", "b", "c"),
			Oracles: OracleInput{
				PublicKeys: keys,
				EventID:    "event",
				Threshold:  uint16(len(oracles)),
			},
		}},
	}
}

// TestInputValidate tests contract terms are rejected before any funds are
// selected.
func TestInputValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{{
		name: "no contract info",
		mutate: func(in *Input) {
			in.ContractInfos = nil
		},
	}, {
		name: "zero threshold",
		mutate: func(in *Input) {
			in.ContractInfos[0].Oracles.Threshold = 0
		},
	}, {
		name: "threshold above oracle count",
		mutate: func(in *Input) {
			in.ContractInfos[0].Oracles.Threshold = 2
		},
	}, {
		name: "no oracles",
		mutate: func(in *Input) {
			in.ContractInfos[0].Oracles.PublicKeys = nil
		},
	}, {
		name: "fee rate too high",
		mutate: func(in *Input) {
			in.FeeRate = chainfee.SatPerVByte(251 * 25)
		},
	}, {
		name: "payouts do not sum to collateral",
		mutate: func(in *Input) {
			in.AcceptCollateral++
		},
	}, {
		name: "collateral overflow",
		mutate: func(in *Input) {
			in.OfferCollateral = btcutil.Amount(1<<63 - 1)
		},
	}}

	require.NoError(t, testInput(test.NewOracle(1)).Validate())

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := testInput(test.NewOracle(1))
			tc.mutate(in)

			err := in.Validate()
			require.Error(t, err)
			require.True(t,
				errors.Is(err, ErrInvalidParameters) ||
					errors.Is(err, ErrOutOfRange), err)
		})
	}
}

// TestLoanInputValidate tests the loan specific checks.
func TestLoanInputValidate(t *testing.T) {
	base := testInput(test.NewOracle(1))
	loan := func() *LoanInput {
		return &LoanInput{
			CollateralRatio:  150,
			LiquidationRatio: 120,
			InterestRate:     5,
			Duration:         30,
			Collateral:       2 * testCollateral,
			FeeRate:          base.FeeRate,
			ContractInfos:    base.ContractInfos,
		}
	}

	require.NoError(t, loan().Validate())

	in := loan()
	in.InterestRate = 0
	require.ErrorIs(t, in.Validate(), ErrInvalidParameters)

	in = loan()
	in.InterestRate = 101
	require.ErrorIs(t, in.Validate(), ErrInvalidParameters)

	in = loan()
	in.Duration = 0
	require.ErrorIs(t, in.Validate(), ErrInvalidParameters)

	ci := loan().ContractInput()
	require.Zero(t, ci.OfferCollateral)
	require.Equal(t, 2*testCollateral, ci.AcceptCollateral)
}

func newTestOffered(t *testing.T, oracles ...*test.Oracle) *OfferedContract {
	t.Helper()

	p := newTestParties(t)
	in := testInput(oracles...)

	var anns []*oracle.Announcement
	for i, o := range oracles {
		ann, err := o.AnnounceEnum(
			"event", testMaturity+uint32(i)*10, "a", "b", "c",
		)
		require.NoError(t, err)
		anns = append(anns, ann)
	}

	offered, err := NewOfferedContract(
		[32]byte{1}, in, [][]*oracle.Announcement{anns}, p.offer, nil,
		p.acceptPriv.PubKey(), 1000, time.Unix(1, 0), [32]byte{2},
	)
	require.NoError(t, err)

	return offered
}

// TestNewOfferedContract tests lock times and oracle matching.
func TestNewOfferedContract(t *testing.T) {
	oracles := []*test.Oracle{test.NewOracle(1), test.NewOracle(2)}
	offered := newTestOffered(t, oracles...)

	require.True(t, offered.IsOfferParty)
	require.Equal(t, 2*testCollateral, offered.TotalCollateral)
	require.Equal(t, testCollateral, offered.AcceptCollateral())
	require.Equal(t, uint32(testMaturity+10), offered.CetLockTime)
	require.Equal(t, uint32(testMaturity+10+1000), offered.RefundLockTime)
	require.Zero(t, offered.Terms().FundLockTime)

	payouts, err := offered.Payouts(0)
	require.NoError(t, err)
	require.Len(t, payouts, 3)
	_, err = offered.Payouts(1)
	require.ErrorIs(t, err, ErrInvalidState)

	p := newTestParties(t)
	ann, err := oracles[1].AnnounceEnum("event", testMaturity, "a", "b", "c")
	require.NoError(t, err)

	// Announcements must come from the listed oracles, in order.
	in := testInput(oracles[0])
	_, err = NewOfferedContract(
		[32]byte{1}, in, [][]*oracle.Announcement{{ann}}, p.offer, nil,
		nil, 1000, time.Time{}, [32]byte{},
	)
	require.ErrorIs(t, err, ErrInvalidParameters)

	// And be about the named event.
	other, err := oracles[0].AnnounceEnum("other", testMaturity, "a", "b",
		"c")
	require.NoError(t, err)
	_, err = NewOfferedContract(
		[32]byte{1}, in, [][]*oracle.Announcement{{other}}, p.offer,
		nil, nil, 1000, time.Time{}, [32]byte{},
	)
	require.ErrorIs(t, err, ErrInvalidParameters)
}

// TestOfferMessageRoundTrip tests the accepting side rebuilds the offering
// side's record from its message.
func TestOfferMessageRoundTrip(t *testing.T) {
	offered := newTestOffered(t, test.NewOracle(1))
	offered.OfferParams.ChangeScript = test.DestScript(t, 5)
	offered.OfferParams.ChangeSerialID = 3

	msg := offered.OfferMessage(*chaincfg.RegressionNetParams.GenesisHash)
	received, err := FromOfferMessage(
		msg, nil, [32]byte{3}, offered.CreatedAt,
	)
	require.NoError(t, err)

	require.False(t, received.IsOfferParty)
	require.Equal(t, offered.ID, received.ID)
	require.Equal(t, offered.Terms(), received.Terms())
	require.Equal(t, offered.TotalCollateral, received.TotalCollateral)
	require.Equal(t, offered.OfferParams.PayoutScript,
		received.OfferParams.PayoutScript)
	require.True(t, offered.OfferParams.FundPubKey.IsEqual(
		received.OfferParams.FundPubKey,
	))

	msg.ContractInfos = nil
	_, err = FromOfferMessage(msg, nil, [32]byte{}, time.Time{})
	require.Error(t, err)
}

// TestSplitCets tests CETs are split by outcome space.
func TestSplitCets(t *testing.T) {
	offered := &OfferedContract{
		ContractInfos: []*ContractInfo{
			{Descriptor: enumDescriptor("a", "b", "c")},
			{Descriptor: enumDescriptor("x", "y")},
		},
	}

	cets := make([]*wire.MsgTx, 5)
	for i := range cets {
		cets[i] = wire.NewMsgTx(2)
		cets[i].LockTime = uint32(i)
	}

	spaces, offsets, err := offered.SplitCets(cets)
	require.NoError(t, err)
	require.Equal(t, []int{0, 3}, offsets)
	require.Len(t, spaces[0], 3)
	require.Len(t, spaces[1], 2)
	require.Equal(t, uint32(3), spaces[1][0].LockTime)

	_, _, err = offered.SplitCets(cets[:4])
	require.ErrorIs(t, err, ErrInvalidState)

	_, _, err = offered.SplitCets(append(cets, wire.NewMsgTx(2)))
	require.ErrorIs(t, err, ErrInvalidState)
}

func testAccepted(t *testing.T, isOfferParty bool) *AcceptedContract {
	t.Helper()

	p := newTestParties(t)
	p.offer.Collateral = 11_000_000
	p.accept.Collateral = 90_000_000

	_, fundPkScript, err := txbuilder.FundingScript(p.offer, p.accept)
	require.NoError(t, err)

	fund := wire.NewMsgTx(2)
	fund.AddTxIn(&wire.TxIn{PreviousOutPoint: p.outPoint})
	fund.AddTxOut(&wire.TxOut{Value: 1000, PkScript: test.DestScript(t, 9)})
	fund.AddTxOut(&wire.TxOut{
		Value:    101_001_000,
		PkScript: fundPkScript,
	})

	return &AcceptedContract{
		Offered: &OfferedContract{
			ID:           [32]byte{7},
			IsOfferParty: isOfferParty,
			OfferParams:  p.offer,
		},
		AcceptParams: p.accept,
		DlcTransactions: &txbuilder.DlcTransactions{
			Fund:          fund,
			Refund:        wire.NewMsgTx(2),
			FundingScript: p.script,
		},
	}
}

// TestComputePnL tests profit and loss from both sides of a contract.
func TestComputePnL(t *testing.T) {
	offerSide := testAccepted(t, true)
	acceptSide := testAccepted(t, false)
	offerScript := offerSide.Offered.OfferParams.PayoutScript
	acceptScript := offerSide.AcceptParams.PayoutScript

	// The offering party takes everything.
	first := wire.NewMsgTx(2)
	first.AddTxOut(&wire.TxOut{Value: 101_000_000, PkScript: offerScript})

	// The accepting party takes everything.
	last := wire.NewMsgTx(2)
	last.AddTxOut(&wire.TxOut{Value: 101_000_000, PkScript: acceptScript})

	pnl, err := offerSide.ComputePnL(first)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(90_000_000), pnl)

	pnl, err = offerSide.ComputePnL(last)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(-11_000_000), pnl)

	pnl, err = acceptSide.ComputePnL(first)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(-90_000_000), pnl)

	pnl, err = acceptSide.ComputePnL(last)
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(11_000_000), pnl)

	bogus := wire.NewMsgTx(2)
	bogus.AddTxOut(&wire.TxOut{Value: -1, PkScript: offerScript})
	_, err = offerSide.ComputePnL(bogus)
	require.ErrorIs(t, err, ErrOutOfRange)
}

// TestContractID tests the id is derived from the funding outpoint and is
// the same in every state.
func TestContractID(t *testing.T) {
	accepted := testAccepted(t, true)

	id, err := accepted.ContractID()
	require.NoError(t, err)

	fundTxID := accepted.DlcTransactions.Fund.TxHash()
	require.Equal(t, ComputeID(fundTxID, 1, accepted.Offered.ID), id)
	require.NotEqual(t, ComputeID(fundTxID, 0, accepted.Offered.ID), id)

	signed := &SignedContract{Accepted: accepted}
	signedID, err := signed.ContractID()
	require.NoError(t, err)
	require.Equal(t, id, signedID)

	idStr, err := accepted.IDString()
	require.NoError(t, err)
	require.Len(t, idStr, 66)
	require.True(t, strings.HasPrefix(idStr, "0x"))
	require.Equal(t, strings.ToLower(idStr), idStr)

	// Copies share the id but not the transactions.
	cp := accepted.Copy()
	cp.DlcTransactions.Fund.TxOut[1].Value++
	cpID, err := cp.ContractID()
	require.NoError(t, err)
	require.NotEqual(t, id, cpID)

	id2, err := accepted.ContractID()
	require.NoError(t, err)
	require.Equal(t, id, id2)

	// Without a funding output there is no id.
	accepted.DlcTransactions.Fund.TxOut = accepted.DlcTransactions.Fund.TxOut[:1]
	_, err = accepted.ContractID()
	require.ErrorIs(t, err, ErrInvalidState)
}

// TestCounterAdaptorSignatures tests each side completes the other side's
// signatures.
func TestCounterAdaptorSignatures(t *testing.T) {
	p := newTestParties(t)
	info := enumInfo(
		t, []*test.Oracle{test.NewOracle(1)}, 1, "event", "a", "b",
	)
	cets := p.cets(t, info.Descriptor)

	_, acceptSigs, err := info.GenerateAdaptorInfo(
		p.acceptPriv, p.script, testFundValue, cets, 0, 0,
	)
	require.NoError(t, err)
	_, offerSigs, err := info.GenerateAdaptorInfo(
		p.offerPriv, p.script, testFundValue, cets, 0, 0,
	)
	require.NoError(t, err)

	offerSide := &SignedContract{
		Accepted: &AcceptedContract{
			Offered:           &OfferedContract{IsOfferParty: true},
			AdaptorSignatures: acceptSigs,
		},
	}
	require.Equal(t, acceptSigs, offerSide.CounterAdaptorSignatures())

	acceptSide := &SignedContract{
		Accepted: &AcceptedContract{
			Offered: &OfferedContract{},
		},
		AdaptorSignatures: offerSigs,
	}
	require.Equal(t, offerSigs, acceptSide.CounterAdaptorSignatures())
}

// TestIDs tests random ids are distinct.
func TestIDs(t *testing.T) {
	a, err := NewTemporaryID()
	require.NoError(t, err)
	b, err := NewTemporaryID()
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.Equal(t, "0x"+strings.Repeat("00", 32), IDString([32]byte{}))
}

// TestInvalidDescriptorPayouts tests payouts not matching the collateral are
// rejected when building the outcome space.
func TestInvalidDescriptorPayouts(t *testing.T) {
	info := &ContractInfo{
		Descriptor: &payout.EnumDescriptor{
			Outcomes: []payout.EnumOutcome{{
				Outcome: "a",
				Payout:  payout.Payout{Offer: 1},
			}},
		},
	}

	_, err := info.Payouts(2)
	require.ErrorIs(t, err, ErrInvalidParameters)
}
