package txbuilder

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
)

// ErrInvalidSignature is returned when a signature does not verify against
// the expected key, transaction and amount.
var ErrInvalidSignature = errors.New("invalid signature")

// WitnessSigHash returns the BIP143 SIGHASH_ALL digest for spending input
// idx of tx, locked by witnessScript with value amt.
func WitnessSigHash(tx *wire.MsgTx, idx int, witnessScript []byte,
	amt btcutil.Amount) ([]byte, error) {

	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", idx)
	}

	pkScript, err := input.WitnessScriptHash(witnessScript)
	if err != nil {
		return nil, err
	}

	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(
		pkScript, int64(amt),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	return txscript.CalcWitnessSigHash(
		witnessScript, sigHashes, txscript.SigHashAll, tx, idx,
		int64(amt),
	)
}

// RawSignature signs input idx of tx spending witnessScript.
func RawSignature(tx *wire.MsgTx, idx int, witnessScript []byte,
	amt btcutil.Amount, priv *btcec.PrivateKey) (*ecdsa.Signature, error) {

	sigHash, err := WitnessSigHash(tx, idx, witnessScript, amt)
	if err != nil {
		return nil, err
	}

	return ecdsa.Sign(priv, sigHash), nil
}

// VerifyTxInputSig checks sig is pub's signature of input idx of tx.
func VerifyTxInputSig(tx *wire.MsgTx, idx int, witnessScript []byte,
	amt btcutil.Amount, sig *ecdsa.Signature, pub *btcec.PublicKey) error {

	if sig == nil || pub == nil {
		return fmt.Errorf("%w: missing signature or key",
			ErrInvalidSignature)
	}

	sigHash, err := WitnessSigHash(tx, idx, witnessScript, amt)
	if err != nil {
		return err
	}

	if !sig.Verify(sigHash, pub) {
		return fmt.Errorf("%w: input %d of %v", ErrInvalidSignature,
			idx, tx.TxHash())
	}

	return nil
}

// MultiSigWitness returns the witness spending a 2-of-2 funding output with
// one signature from each key.
func MultiSigWitness(witnessScript []byte, pubA *btcec.PublicKey,
	sigA *ecdsa.Signature, pubB *btcec.PublicKey,
	sigB *ecdsa.Signature) wire.TxWitness {

	return input.SpendMultiSig(
		witnessScript, pubA.SerializeCompressed(), sigA,
		pubB.SerializeCompressed(), sigB,
	)
}

// SignMultiSigInput signs input idx of tx with priv, checks the other
// party's signature and sets the complete 2-of-2 witness.
func SignMultiSigInput(tx *wire.MsgTx, idx int, witnessScript []byte,
	amt btcutil.Amount, priv *btcec.PrivateKey,
	otherSig *ecdsa.Signature, otherPub *btcec.PublicKey) error {

	err := VerifyTxInputSig(tx, idx, witnessScript, amt, otherSig, otherPub)
	if err != nil {
		return err
	}

	ownSig, err := RawSignature(tx, idx, witnessScript, amt, priv)
	if err != nil {
		return err
	}

	tx.TxIn[idx].Witness = MultiSigWitness(
		witnessScript, priv.PubKey(), ownSig, otherPub, otherSig,
	)

	return nil
}
