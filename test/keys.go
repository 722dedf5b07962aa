package test

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/lntypes"
)

// CreateKey returns a deterministically generated key pair.
func CreateKey(index int32) (*btcec.PrivateKey, *btcec.PublicKey) {
	// Hash the index so every int32 maps to a valid, distinct key.
	seed := sha256.Sum256([]byte{
		byte(index >> 24), byte(index >> 16), byte(index >> 8),
		byte(index),
	})

	return btcec.PrivKeyFromBytes(seed[:])
}

// CreatePreimage returns a deterministic preimage.
func CreatePreimage(index byte) lntypes.Preimage {
	var preimage lntypes.Preimage
	for i := range preimage {
		preimage[i] = index
	}

	return preimage
}

// P2WPKHAddress returns the native segwit address of pub on regtest.
func P2WPKHAddress(pub *btcec.PublicKey) (btcutil.Address, []byte,
	error) {

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	if err != nil {
		return nil, nil, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, err
	}

	return addr, pkScript, nil
}
