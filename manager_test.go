package dlc

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/test"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/stretchr/testify/require"
)

const testCollateral = btcutil.Amount(1_000_000)

// contractRun is a contract taken through all protocol steps.
type contractRun struct {
	offered     *contract.OfferedContract
	offerMsg    *dlcmsg.Offer
	received    *contract.OfferedContract
	accepted    *contract.AcceptedContract
	acceptMsg   *dlcmsg.Accept
	offerSigned *contract.SignedContract
	signMsg     *dlcmsg.Sign
	signed      *contract.SignedContract
	fund        *wire.MsgTx
}

func (c *testContext) offer(t *testing.T, input *contract.Input,
	anns [][]*oracle.Announcement) *contractRun {

	t.Helper()
	ctx := context.Background()

	offered, offerMsg, err := c.alice.manager.OfferContract(
		ctx, input, anns, c.bob.nodeKey,
	)
	require.NoError(t, err)

	received, err := c.bob.manager.ReceiveOffer(offerMsg, c.alice.nodeKey)
	require.NoError(t, err)

	accepted, acceptMsg, err := c.bob.manager.AcceptContract(ctx, received)
	require.NoError(t, err)

	return &contractRun{
		offered:   offered,
		offerMsg:  offerMsg,
		received:  received,
		accepted:  accepted,
		acceptMsg: acceptMsg,
	}
}

func (c *testContext) run(t *testing.T, input *contract.Input,
	anns [][]*oracle.Announcement) *contractRun {

	t.Helper()
	ctx := context.Background()

	r := c.offer(t, input, anns)

	var err error
	r.offerSigned, r.signMsg, err = c.alice.manager.VerifyAcceptedAndSignContract(
		ctx, r.offered, r.acceptMsg,
	)
	require.NoError(t, err)

	r.signed, r.fund, err = c.bob.manager.VerifySignedContract(
		ctx, r.accepted, r.signMsg,
	)
	require.NoError(t, err)

	return r
}

func txids(txs []*wire.MsgTx) []chainhash.Hash {
	ids := make([]chainhash.Hash, len(txs))
	for i, tx := range txs {
		ids[i] = tx.TxHash()
	}

	return ids
}

func assertTxValid(t *testing.T, chain *test.MockChain, tx *wire.MsgTx) {
	t.Helper()

	prevOuts := chain.PrevOutFetcher(tx)
	for i := range tx.TxIn {
		prevOuts.AssertInputValid(t, tx, i)
	}
}

func enumInput(t *testing.T, o *test.Oracle) (*contract.Input,
	[][]*oracle.Announcement) {

	t.Helper()

	info, anns := enumSpace(
		t, o, "match", 2*testCollateral, "home", "draw", "away",
	)

	return &contract.Input{
		OfferCollateral:  testCollateral,
		AcceptCollateral: testCollateral,
		FeeRate:          2,
		ContractInfos:    []contract.InputInfo{info},
	}, [][]*oracle.Announcement{anns}
}

// TestContractRoundTrip takes an enum contract through offer, accept and
// sign and checks both parties end up with the same transactions and a
// valid funding transaction.
func TestContractRoundTrip(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)
	c.bob.fund(t, 5*testCollateral)

	o := test.NewOracle(1)
	input, anns := enumInput(t, o)
	r := c.run(t, input, anns)

	require.Equal(t, testTime, r.offered.CreatedAt)
	require.Equal(t, uint32(testMaturity), r.offered.CetLockTime)
	require.Equal(t, uint32(testMaturity+DefaultRefundDelay),
		r.offered.RefundLockTime)

	// Both parties derived the same transactions.
	aliceTxs := r.offerSigned.Accepted.DlcTransactions
	bobTxs := r.signed.Accepted.DlcTransactions
	require.Equal(t, txids(aliceTxs.Cets), txids(bobTxs.Cets))
	require.Equal(t, aliceTxs.Refund.TxHash(), bobTxs.Refund.TxHash())
	require.Equal(t, aliceTxs.Fund.TxHash(), r.fund.TxHash())
	require.Len(t, bobTxs.Cets, 3)

	aliceID, err := r.offerSigned.ContractID()
	require.NoError(t, err)
	bobID, err := r.signed.ContractID()
	require.NoError(t, err)
	require.Equal(t, aliceID, bobID)
	require.Equal(t, aliceID, r.signMsg.ContractID)

	// Each side keeps the other side's adaptor signatures.
	require.Nil(t, r.accepted.AdaptorSignatures)
	require.Equal(t, r.acceptMsg.CetAdaptorSignatures,
		r.offerSigned.CounterAdaptorSignatures())
	require.Equal(t, r.signMsg.CetAdaptorSignatures,
		r.signed.CounterAdaptorSignatures())

	// The funding transaction spends both wallets.
	require.Len(t, r.fund.TxIn, 2)
	assertTxValid(t, c.chain, r.fund)
	require.Equal(t, 1, c.alice.wallet.Reserved())
	require.Equal(t, 1, c.bob.wallet.Reserved())
}

// TestOfferValidationBeforeFunding tests invalid terms are rejected without
// touching the wallet.
func TestOfferValidationBeforeFunding(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)

	input, anns := enumInput(t, test.NewOracle(1))
	input.ContractInfos[0].Oracles.Threshold = 2

	_, _, err := c.alice.manager.OfferContract(
		context.Background(), input, anns, c.bob.nodeKey,
	)
	require.ErrorIs(t, err, contract.ErrInvalidParameters)
	require.Zero(t, c.alice.wallet.Reserved())

	// Without funds the offer fails at coin selection.
	input, anns = enumInput(t, test.NewOracle(1))
	_, _, err = c.bob.manager.OfferContract(
		context.Background(), input, anns, c.alice.nodeKey,
	)
	require.ErrorIs(t, err, test.ErrInsufficientFunds)
}

// TestReceiveOfferChecks tests offers for other chains and malformed
// offers are refused.
func TestReceiveOfferChecks(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)

	input, anns := enumInput(t, test.NewOracle(1))
	_, offerMsg, err := c.alice.manager.OfferContract(
		context.Background(), input, anns, c.bob.nodeKey,
	)
	require.NoError(t, err)

	mainnet := *offerMsg
	mainnet.ChainHash = *chaincfg.MainNetParams.GenesisHash
	_, err = c.bob.manager.ReceiveOffer(&mainnet, c.alice.nodeKey)
	require.ErrorIs(t, err, dlcmsg.ErrInvalidMessage)

	locked := *offerMsg
	locked.RefundLockTime = locked.CetLockTime - 1
	_, err = c.bob.manager.ReceiveOffer(&locked, c.alice.nodeKey)
	require.ErrorIs(t, err, dlcmsg.ErrInvalidMessage)

	received, err := c.bob.manager.ReceiveOffer(offerMsg, c.alice.nodeKey)
	require.NoError(t, err)
	require.False(t, received.IsOfferParty)
	require.NotEqual(t, [32]byte{}, received.KeysID)
}

// TestVerifyAcceptRejects tests the offering party refuses tampered accept
// messages.
func TestVerifyAcceptRejects(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)
	c.bob.fund(t, 5*testCollateral)

	input, anns := enumInput(t, test.NewOracle(1))
	r := c.offer(t, input, anns)

	tests := []struct {
		name   string
		mutate func(*dlcmsg.Accept)
		err    error
	}{{
		name: "swapped adaptor signatures",
		mutate: func(m *dlcmsg.Accept) {
			sigs := append(
				[]*adaptor.Signature(nil),
				m.CetAdaptorSignatures...,
			)
			sigs[0], sigs[1] = sigs[1], sigs[0]
			m.CetAdaptorSignatures = sigs
		},
		err: adaptor.ErrInvalidSignature,
	}, {
		name: "extra adaptor signature",
		mutate: func(m *dlcmsg.Accept) {
			m.CetAdaptorSignatures = append(
				append([]*adaptor.Signature(nil),
					m.CetAdaptorSignatures...),
				m.CetAdaptorSignatures[0],
			)
		},
		err: adaptor.ErrInvalidSignature,
	}, {
		name: "empty adaptor signature",
		mutate: func(m *dlcmsg.Accept) {
			sigs := append(
				[]*adaptor.Signature(nil),
				m.CetAdaptorSignatures...,
			)
			sigs[1] = &adaptor.Signature{}
			m.CetAdaptorSignatures = sigs
		},
		err: adaptor.ErrInvalidSignature,
	}, {
		name: "refund signature of another transaction",
		mutate: func(m *dlcmsg.Accept) {
			m.PayoutScript = test.DestScript(t, 50)
		},
		err: txbuilder.ErrInvalidSignature,
	}, {
		name: "wrong collateral",
		mutate: func(m *dlcmsg.Accept) {
			m.AcceptCollateral++
		},
		err: contract.ErrInvalidParameters,
	}, {
		name: "wrong temporary id",
		mutate: func(m *dlcmsg.Accept) {
			m.TemporaryContractID[0] ^= 1
		},
		err: dlcmsg.ErrInvalidMessage,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := *r.acceptMsg
			tc.mutate(&msg)

			_, _, err := c.alice.manager.VerifyAcceptedAndSignContract(
				context.Background(), r.offered, &msg,
			)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestVerifySignedRejects tests the accepting party refuses tampered sign
// messages.
func TestVerifySignedRejects(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)
	c.bob.fund(t, 5*testCollateral)

	input, anns := enumInput(t, test.NewOracle(1))
	r := c.offer(t, input, anns)

	_, signMsg, err := c.alice.manager.VerifyAcceptedAndSignContract(
		context.Background(), r.offered, r.acceptMsg,
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*dlcmsg.Sign)
		err    error
	}{{
		name: "wrong contract id",
		mutate: func(m *dlcmsg.Sign) {
			m.ContractID[0] ^= 1
		},
		err: dlcmsg.ErrInvalidMessage,
	}, {
		name: "accept refund signature",
		mutate: func(m *dlcmsg.Sign) {
			m.RefundSignature = r.acceptMsg.RefundSignature
		},
		err: txbuilder.ErrInvalidSignature,
	}, {
		name: "accept adaptor signatures",
		mutate: func(m *dlcmsg.Sign) {
			m.CetAdaptorSignatures = r.acceptMsg.CetAdaptorSignatures
		},
		err: adaptor.ErrInvalidSignature,
	}, {
		name: "empty adaptor signature",
		mutate: func(m *dlcmsg.Sign) {
			sigs := append(
				[]*adaptor.Signature(nil),
				m.CetAdaptorSignatures...,
			)
			sigs[0] = &adaptor.Signature{}
			m.CetAdaptorSignatures = sigs
		},
		err: adaptor.ErrInvalidSignature,
	}, {
		name: "missing funding signature",
		mutate: func(m *dlcmsg.Sign) {
			m.FundingSignatures = nil
		},
		err: contract.ErrInvalidState,
	}, {
		name: "funding witness of another input",
		mutate: func(m *dlcmsg.Sign) {
			w := m.FundingSignatures[0].WitnessElements
			bad := append([]byte(nil), w[0]...)
			bad[10] ^= 1
			m.FundingSignatures = []dlcmsg.FundingSignature{{
				WitnessElements: [][]byte{bad, w[1]},
			}}
		},
		err: txbuilder.ErrInvalidSignature,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := *signMsg
			tc.mutate(&msg)

			_, _, err := c.bob.manager.VerifySignedContract(
				context.Background(), r.accepted, &msg,
			)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestMultipleOutcomeSpaces tests a contract with an enum space and a 2-of-3
// numeric space shares one flat adaptor signature list.
func TestMultipleOutcomeSpaces(t *testing.T) {
	defer test.Guard(t)()

	c := newTestContext(t)
	c.alice.fund(t, 5*testCollateral)
	c.bob.fund(t, 5*testCollateral)

	total := 2 * testCollateral
	enumOracle := test.NewOracle(1)
	enumInfo, enumAnns := enumSpace(
		t, enumOracle, "match", total, "home", "away",
	)
	oracles := []*test.Oracle{
		test.NewOracle(2), test.NewOracle(3), test.NewOracle(4),
	}
	numInfo, numAnns := numericSpace(t, oracles, "btcusd", total)

	input := &contract.Input{
		OfferCollateral:  testCollateral,
		AcceptCollateral: testCollateral,
		FeeRate:          3,
		ContractInfos:    []contract.InputInfo{enumInfo, numInfo},
	}
	r := c.run(t, input, [][]*oracle.Announcement{enumAnns, numAnns})

	// Latest maturity across both spaces.
	require.Equal(t, uint32(testMaturity+600), r.offered.CetLockTime)

	txs := r.signed.Accepted.DlcTransactions
	require.Len(t, txs.Cets, 4)
	for _, cet := range txs.Cets {
		require.Equal(t, r.offered.CetLockTime, cet.LockTime)
	}

	// Two enum outcomes, then two prefixes times three oracle pairs.
	require.Len(t, r.acceptMsg.CetAdaptorSignatures, 2+2*3)
	require.Len(t, r.signMsg.CetAdaptorSignatures, 2+2*3)

	infos := r.signed.Accepted.AdaptorInfos
	require.Len(t, infos, 2)
	require.Equal(t, 2, infos[1].Ranges[0].AdaptorIndex)
	require.Equal(t, 2, infos[1].Ranges[0].CetIndex)
	require.Equal(t, infos, r.offerSigned.Accepted.AdaptorInfos)

	require.NoError(t, c.chain.SendTransaction(context.Background(), r.fund))

	// Oracles 0 and 2 attest 11 = 1011, unlocking the second range.
	var atts []*oracle.Attestation
	for _, idx := range []int{0, 2} {
		att, err := oracles[idx].AttestValue(numAnns[idx], 11)
		require.NoError(t, err)
		atts = append(atts, att)
	}

	cet, err := c.alice.manager.GetSignedCet(r.offerSigned, 1, atts)
	require.NoError(t, err)
	require.Equal(t, txs.Cets[3].TxHash(), cet.TxHash())
	assertTxValid(t, c.chain, cet)

	cet, err = c.bob.manager.GetSignedCet(r.signed, 1, atts)
	require.NoError(t, err)
	require.Equal(t, txs.Cets[3].TxHash(), cet.TxHash())
	assertTxValid(t, c.chain, cet)

	// The enum space is settled independently.
	att, err := enumOracle.Attest("match", "home")
	require.NoError(t, err)
	cet, err = c.bob.manager.GetSignedCet(
		r.signed, 0, []*oracle.Attestation{att},
	)
	require.NoError(t, err)
	require.Equal(t, txs.Cets[0].TxHash(), cet.TxHash())
	assertTxValid(t, c.chain, cet)
}
