package dlc

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/payout"
	"github.com/lightninglabs/dlc/signer"
	"github.com/lightninglabs/dlc/test"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const testMaturity = 1_700_000_000

var (
	testTime = time.Unix(1_690_000_000, 0)

	testLenderPreimage   = lntypes.Preimage{1, 1, 1, 1, 2, 2, 2, 2}
	testBorrowerPreimage = lntypes.Preimage{3, 3, 3, 3, 4, 4, 4, 4}
)

// testNode is one party of a contract with its own wallet and keys on a
// shared chain.
type testNode struct {
	wallet  *test.MockWallet
	manager *Manager
	nodeKey *btcec.PublicKey
}

// testContext holds two parties and the chain they share.
type testContext struct {
	chain *test.MockChain
	clock *clock.TestClock
	alice *testNode
	bob   *testNode
}

func newTestNode(t *testing.T, chain *test.MockChain, clk clock.Clock,
	index int32) *testNode {

	t.Helper()

	seed := make([]byte, 32)
	seed[0] = byte(index + 1)
	signers, err := signer.NewHDSignerProvider(
		seed, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	wallet := test.NewMockWallet(chain, index+1)
	manager, err := NewManager(&Config{
		Wallet:      wallet,
		Blockchain:  chain,
		Signers:     signers,
		Clock:       clk,
		ChainParams: &chaincfg.RegressionNetParams,
	})
	require.NoError(t, err)

	_, nodeKey := test.CreateKey(100 + index)

	return &testNode{
		wallet:  wallet,
		manager: manager,
		nodeKey: nodeKey,
	}
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	chain := test.NewMockChain()
	clk := clock.NewTestClock(testTime)

	return &testContext{
		chain: chain,
		clock: clk,
		alice: newTestNode(t, chain, clk, 0),
		bob:   newTestNode(t, chain, clk, 1),
	}
}

// fund gives a node a single output of amt.
func (n *testNode) fund(t *testing.T, amt btcutil.Amount) {
	t.Helper()

	_, err := n.wallet.Fund(amt)
	require.NoError(t, err)
}

// enumSpace returns an enum outcome space over a single oracle where each
// outcome moves the whole collateral further to the accepting party.
func enumSpace(t *testing.T, o *test.Oracle, eventID string,
	total btcutil.Amount, outcomes ...string) (contract.InputInfo,
	[]*oracle.Announcement) {

	t.Helper()

	ann, err := o.AnnounceEnum(eventID, testMaturity, outcomes...)
	require.NoError(t, err)

	desc := &payout.EnumDescriptor{}
	for i, outcome := range outcomes {
		accept := total * btcutil.Amount(i) /
			btcutil.Amount(len(outcomes)-1)
		desc.Outcomes = append(desc.Outcomes, payout.EnumOutcome{
			Outcome: outcome,
			Payout: payout.Payout{
				Offer:  total - accept,
				Accept: accept,
			},
		})
	}

	return contract.InputInfo{
		Descriptor: desc,
		Oracles: contract.OracleInput{
			PublicKeys: []*btcec.PublicKey{o.PubKey()},
			EventID:    eventID,
			Threshold:  1,
		},
	}, []*oracle.Announcement{ann}
}

// numericSpace returns a binary 4 digit outcome space attested by a 2-of-3
// oracle set, split at value 8.
func numericSpace(t *testing.T, oracles []*test.Oracle, eventID string,
	total btcutil.Amount) (contract.InputInfo, []*oracle.Announcement) {

	t.Helper()

	info := contract.InputInfo{
		Descriptor: &payout.NumericalDescriptor{
			Base:     2,
			NbDigits: 4,
			Ranges: []payout.RangePayout{{
				Start: 0, Count: 8,
				Payout: payout.Payout{Offer: total},
			}, {
				Start: 8, Count: 8,
				Payout: payout.Payout{Accept: total},
			}},
		},
		Oracles: contract.OracleInput{
			EventID:   eventID,
			Threshold: 2,
		},
	}

	var anns []*oracle.Announcement
	for _, o := range oracles {
		ann, err := o.AnnounceDigits(eventID, testMaturity+600, 2, 4)
		require.NoError(t, err)

		anns = append(anns, ann)
		info.Oracles.PublicKeys = append(
			info.Oracles.PublicKeys, o.PubKey(),
		)
	}

	return info, anns
}
