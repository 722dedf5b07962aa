package dlc

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Wallet selects and signs the on-chain funds of a party.
type Wallet interface {
	// NewAddress returns a fresh address for payouts.
	NewAddress(ctx context.Context) (btcutil.Address, error)

	// NewChangeAddress returns a fresh address for change.
	NewChangeAddress(ctx context.Context) (btcutil.Address, error)

	// UtxosForAmount selects outputs covering amt at feeRate. Selected
	// outputs are reserved when lock is set.
	UtxosForAmount(ctx context.Context, amt btcutil.Amount,
		feeRate chainfee.SatPerVByte, lock bool) ([]*txbuilder.Utxo,
		error)

	// SignPsbtInput signs and finalizes input idx of packet if it spends
	// an output of the wallet.
	SignPsbtInput(ctx context.Context, packet *psbt.Packet, idx int) error

	// SignRawTransaction signs every input of tx spending an output of
	// the wallet.
	SignRawTransaction(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx,
		error)

	// UnreserveUtxos releases outputs reserved by UtxosForAmount.
	UnreserveUtxos(ctx context.Context, outpoints []wire.OutPoint) error
}

// Blockchain looks up and publishes transactions.
type Blockchain interface {
	// GetTransaction returns the transaction with the given id.
	GetTransaction(ctx context.Context, txid *chainhash.Hash) (*wire.MsgTx,
		error)

	// SendTransaction broadcasts tx.
	SendTransaction(ctx context.Context, tx *wire.MsgTx) error
}
