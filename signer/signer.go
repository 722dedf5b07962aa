package signer

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/keychain"
)

const (
	// KeyFamilyContract is the key family of per contract funding keys.
	KeyFamilyContract keychain.KeyFamily = 7500

	// purpose is the hardened purpose of the derivation path.
	purpose = 9999
)

// ErrUnknownKey is returned when a key id does not map to a derivable key.
var ErrUnknownKey = errors.New("unknown contract key")

// ContractSigner is the signing identity of one contract.
type ContractSigner interface {
	// PubKey returns the funding public key of the contract.
	PubKey() *btcec.PublicKey

	// PrivKey returns the funding private key of the contract.
	PrivKey() (*btcec.PrivateKey, error)
}

// Provider derives per contract signers.
type Provider interface {
	// DeriveSignerKeyID returns the key id of the contract with the given
	// temporary id, from the point of view of one party.
	DeriveSignerKeyID(isOfferParty bool, tempID [32]byte) [32]byte

	// DeriveContractSigner returns the signer for a key id.
	DeriveContractSigner(keysID [32]byte) (ContractSigner, error)
}

// SimpleSigner is a ContractSigner over an in-memory key.
type SimpleSigner struct {
	priv *btcec.PrivateKey
	desc keychain.KeyDescriptor
}

// NewSimpleSigner returns a signer for priv.
func NewSimpleSigner(priv *btcec.PrivateKey,
	loc keychain.KeyLocator) *SimpleSigner {

	return &SimpleSigner{
		priv: priv,
		desc: keychain.KeyDescriptor{
			KeyLocator: loc,
			PubKey:     priv.PubKey(),
		},
	}
}

// PubKey returns the signer's public key.
func (s *SimpleSigner) PubKey() *btcec.PublicKey {
	return s.desc.PubKey
}

// PrivKey returns the signer's private key.
func (s *SimpleSigner) PrivKey() (*btcec.PrivateKey, error) {
	return s.priv, nil
}

// KeyDescriptor returns the locator and public key of the signer.
func (s *SimpleSigner) KeyDescriptor() keychain.KeyDescriptor {
	return s.desc
}

// HDSignerProvider derives contract keys from a BIP32 master key along
// m/9999'/7500'/i'/j' where i and j are taken from the key id. The two levels
// carry 62 bits of the key id so distinct contracts do not share keys in
// practice.
type HDSignerProvider struct {
	family *hdkeychain.ExtendedKey
}

// NewHDSignerProvider creates a provider from seed.
func NewHDSignerProvider(seed []byte,
	params *chaincfg.Params) (*HDSignerProvider, error) {

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("unable to create master key: %w", err)
	}

	purposeKey, err := master.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, err
	}

	family, err := purposeKey.Derive(
		hdkeychain.HardenedKeyStart + uint32(KeyFamilyContract),
	)
	if err != nil {
		return nil, err
	}

	return &HDSignerProvider{
		family: family,
	}, nil
}

// DeriveSignerKeyID hashes the temporary id together with the party's role
// so both parties of a contract derive distinct keys from one seed.
func (p *HDSignerProvider) DeriveSignerKeyID(isOfferParty bool,
	tempID [32]byte) [32]byte {

	role := byte(0)
	if isOfferParty {
		role = 1
	}

	h := sha256.New()
	h.Write(tempID[:])
	h.Write([]byte{role})

	var keysID [32]byte
	copy(keysID[:], h.Sum(nil))

	return keysID
}

// DeriveContractSigner derives the signer of keysID.
func (p *HDSignerProvider) DeriveContractSigner(
	keysID [32]byte) (ContractSigner, error) {

	path := KeyPath(keysID)

	child := p.family
	for _, index := range path {
		var err error
		child, err = child.Derive(hdkeychain.HardenedKeyStart + index)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
		}
	}

	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}

	return NewSimpleSigner(priv, keychain.KeyLocator{
		Family: KeyFamilyContract,
		Index:  path[0],
	}), nil
}

// KeyPath returns the two non-hardened child indexes encoded in keysID.
func KeyPath(keysID [32]byte) [2]uint32 {
	return [2]uint32{
		binary.BigEndian.Uint32(keysID[:4]) &^
			hdkeychain.HardenedKeyStart,
		binary.BigEndian.Uint32(keysID[4:8]) &^
			hdkeychain.HardenedKeyStart,
	}
}
