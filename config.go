package dlc

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/dlc/signer"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultRefundDelay is the number of seconds after the latest
	// oracle maturity at which the refund transaction becomes valid.
	DefaultRefundDelay = 7 * 24 * 60 * 60

	// DefaultEscrowCSVDelay is the relative lock time, in blocks, after
	// which a lender can claim an escrow alone.
	DefaultEscrowCSVDelay = 144
)

// Config holds the collaborators of a Manager.
type Config struct {
	Wallet     Wallet
	Blockchain Blockchain
	Signers    signer.Provider

	// Clock timestamps offers.
	Clock clock.Clock

	ChainParams *chaincfg.Params

	// RefundDelay is added to the latest oracle maturity to obtain the
	// refund lock time.
	RefundDelay uint32

	// EscrowCSVDelay is the lender-only timeout of loan escrows.
	EscrowCSVDelay uint32
}

func (c *Config) validate() error {
	switch {
	case c.Wallet == nil:
		return errors.New("wallet required")

	case c.Blockchain == nil:
		return errors.New("blockchain required")

	case c.Signers == nil:
		return errors.New("signer provider required")

	case c.ChainParams == nil:
		return errors.New("chain params required")
	}

	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.RefundDelay == 0 {
		c.RefundDelay = DefaultRefundDelay
	}
	if c.EscrowCSVDelay == 0 {
		c.EscrowCSVDelay = DefaultEscrowCSVDelay
	}

	return nil
}
