package adaptor

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// SignatureSize is the size of a serialized adaptor signature: the
	// encrypted nonce point, the public nonce point, the encrypted s value
	// and the two scalars of the DLEQ proof.
	SignatureSize = 2*btcec.PubKeyBytesLenCompressed + 3*32
)

var (
	// ErrInvalidSignature is returned when an adaptor signature does not
	// verify against the signer key, encryption key and message.
	ErrInvalidSignature = errors.New("invalid adaptor signature")

	// ErrInvalidProof is returned when the discrete log equality proof
	// attached to an adaptor signature is invalid. It wraps
	// ErrInvalidSignature.
	ErrInvalidProof = fmt.Errorf("%w: bad dleq proof", ErrInvalidSignature)

	tagNonce      = []byte("DLC/adaptor/nonce")
	tagProofNonce = []byte("DLC/adaptor/dleq/nonce")
	tagChallenge  = []byte("DLC/adaptor/dleq/challenge")
)

// Signature is an ECDSA signature encrypted under a public point Y. It can
// only be turned into a valid ECDSA signature by someone knowing the discrete
// log of Y.
type Signature struct {
	// R is the nonce point multiplied by the encryption key, k*Y. Its x
	// coordinate is the r value of the decrypted signature.
	R *btcec.PublicKey

	// RA is the public nonce k*G.
	RA *btcec.PublicKey

	// SHat is the encrypted s value.
	SHat secp256k1.ModNScalar

	// E and Z form the proof that R and RA share the same discrete log
	// with respect to Y and G.
	E secp256k1.ModNScalar
	Z secp256k1.ModNScalar
}

// EncryptedSign creates an adaptor signature over hash with priv, encrypted
// under encKey. The nonce is derived deterministically from the key, the
// encryption key and the message.
func EncryptedSign(priv *btcec.PrivateKey, encKey *btcec.PublicKey,
	hash []byte) (*Signature, error) {

	if len(hash) != chainhash.HashSize {
		return nil, fmt.Errorf("message hash must be %d bytes, got %d",
			chainhash.HashSize, len(hash))
	}

	var m secp256k1.ModNScalar
	m.SetByteSlice(hash)

	encBytes := encKey.SerializeCompressed()
	k := hashToScalar(tagNonce, priv.Serialize(), encBytes, hash)
	if k.IsZero() {
		return nil, errors.New("adaptor nonce is zero")
	}

	y := toJacobian(encKey)

	var encNonce, pubNonce secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&k, &y, &encNonce)
	secp256k1.ScalarBaseMultNonConst(&k, &pubNonce)

	r, ok := toPubKey(&encNonce)
	if !ok {
		return nil, errors.New("encrypted nonce is infinity")
	}
	ra, ok := toPubKey(&pubNonce)
	if !ok {
		return nil, errors.New("public nonce is infinity")
	}

	rx := xScalar(r)
	if rx.IsZero() {
		return nil, errors.New("nonce x coordinate is zero")
	}

	// sHat = k^-1 * (m + r*x)
	var sHat secp256k1.ModNScalar
	sHat.Mul2(&rx, &priv.Key).Add(&m)
	kInv := new(secp256k1.ModNScalar).Set(&k).InverseNonConst()
	sHat.Mul(kInv)
	if sHat.IsZero() {
		return nil, errors.New("encrypted s is zero")
	}

	// Prove log_G(RA) == log_Y(R).
	kBytes := k.Bytes()
	a := hashToScalar(tagProofNonce, kBytes[:], encBytes, hash)
	if a.IsZero() {
		return nil, errors.New("proof nonce is zero")
	}

	var aG, aY secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&a, &aG)
	secp256k1.ScalarMultNonConst(&a, &y, &aY)

	a1, ok := toPubKey(&aG)
	if !ok {
		return nil, ErrInvalidProof
	}
	a2, ok := toPubKey(&aY)
	if !ok {
		return nil, ErrInvalidProof
	}

	e := challenge(encKey, ra, r, a1, a2)

	var z secp256k1.ModNScalar
	z.Mul2(&e, &k).Add(&a)

	return &Signature{
		R:    r,
		RA:   ra,
		SHat: sHat,
		E:    e,
		Z:    z,
	}, nil
}

// Verify checks that the adaptor signature was produced by pub over hash and
// that it decrypts to a valid signature with the discrete log of encKey.
func (s *Signature) Verify(pub, encKey *btcec.PublicKey, hash []byte) error {
	if len(hash) != chainhash.HashSize {
		return fmt.Errorf("message hash must be %d bytes, got %d",
			chainhash.HashSize, len(hash))
	}

	// Signatures from the counterparty may be incomplete.
	if s.R == nil || s.RA == nil || pub == nil || encKey == nil {
		return fmt.Errorf("%w: missing point", ErrInvalidSignature)
	}

	y := toJacobian(encKey)
	encNonce := toJacobian(s.R)
	pubNonce := toJacobian(s.RA)

	negE := new(secp256k1.ModNScalar).Set(&s.E).Negate()

	// A1 = z*G - e*RA
	var zG, eRA, aG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s.Z, &zG)
	secp256k1.ScalarMultNonConst(negE, &pubNonce, &eRA)
	secp256k1.AddNonConst(&zG, &eRA, &aG)

	// A2 = z*Y - e*R
	var zY, eR, aY secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.Z, &y, &zY)
	secp256k1.ScalarMultNonConst(negE, &encNonce, &eR)
	secp256k1.AddNonConst(&zY, &eR, &aY)

	a1, ok := toPubKey(&aG)
	if !ok {
		return ErrInvalidProof
	}
	a2, ok := toPubKey(&aY)
	if !ok {
		return ErrInvalidProof
	}

	e := challenge(encKey, s.RA, s.R, a1, a2)
	if !e.Equals(&s.E) {
		return ErrInvalidProof
	}

	// sHat*RA == m*G + r*X
	var m secp256k1.ModNScalar
	m.SetByteSlice(hash)
	rx := xScalar(s.R)
	x := toJacobian(pub)

	var lhs, mG, rX, rhs secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&s.SHat, &pubNonce, &lhs)
	secp256k1.ScalarBaseMultNonConst(&m, &mG)
	secp256k1.ScalarMultNonConst(&rx, &x, &rX)
	secp256k1.AddNonConst(&mG, &rX, &rhs)

	left, ok := toPubKey(&lhs)
	if !ok {
		return ErrInvalidSignature
	}
	right, ok := toPubKey(&rhs)
	if !ok {
		return ErrInvalidSignature
	}
	if !left.IsEqual(right) {
		return ErrInvalidSignature
	}

	return nil
}

// Decrypt turns the adaptor signature into a regular ECDSA signature using
// the discrete log of the encryption key.
func (s *Signature) Decrypt(decKey *secp256k1.ModNScalar) (*ecdsa.Signature,
	error) {

	if decKey.IsZero() {
		return nil, errors.New("decryption key is zero")
	}
	if s.R == nil {
		return nil, fmt.Errorf("%w: missing point", ErrInvalidSignature)
	}

	rx := xScalar(s.R)
	yInv := new(secp256k1.ModNScalar).Set(decKey).InverseNonConst()

	var sv secp256k1.ModNScalar
	sv.Mul2(&s.SHat, yInv)
	if sv.IsOverHalfOrder() {
		sv.Negate()
	}

	return ecdsa.NewSignature(&rx, &sv), nil
}

// Serialize encodes the signature into SignatureSize bytes.
func (s *Signature) Serialize() []byte {
	b := make([]byte, 0, SignatureSize)
	b = append(b, s.R.SerializeCompressed()...)
	b = append(b, s.RA.SerializeCompressed()...)

	sHat := s.SHat.Bytes()
	e := s.E.Bytes()
	z := s.Z.Bytes()
	b = append(b, sHat[:]...)
	b = append(b, e[:]...)
	b = append(b, z[:]...)

	return b
}

// ParseSignature decodes a signature produced by Serialize.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidSignature, SignatureSize, len(b))
	}

	const pkLen = btcec.PubKeyBytesLenCompressed

	r, err := btcec.ParsePubKey(b[:pkLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	ra, err := btcec.ParsePubKey(b[pkLen : 2*pkLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sig := &Signature{R: r, RA: ra}
	scalars := b[2*pkLen:]
	for i, dst := range []*secp256k1.ModNScalar{&sig.SHat, &sig.E, &sig.Z} {
		var buf [32]byte
		copy(buf[:], scalars[i*32:(i+1)*32])
		if dst.SetBytes(&buf) != 0 {
			return nil, fmt.Errorf("%w: scalar overflow",
				ErrInvalidSignature)
		}
	}

	return sig, nil
}

func challenge(encKey, ra, r, a1, a2 *btcec.PublicKey) secp256k1.ModNScalar {
	return hashToScalar(
		tagChallenge, encKey.SerializeCompressed(),
		ra.SerializeCompressed(), r.SerializeCompressed(),
		a1.SerializeCompressed(), a2.SerializeCompressed(),
	)
}

func hashToScalar(tag []byte, msgs ...[]byte) secp256k1.ModNScalar {
	h := chainhash.TaggedHash(tag, msgs...)

	var s secp256k1.ModNScalar
	s.SetByteSlice(h[:])

	return s
}

func xScalar(p *btcec.PublicKey) secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetByteSlice(p.SerializeCompressed()[1:])

	return s
}

func toJacobian(p *btcec.PublicKey) secp256k1.JacobianPoint {
	var j secp256k1.JacobianPoint
	p.AsJacobian(&j)

	return j
}

// toPubKey converts the point to affine coordinates, returning false if it
// is the point at infinity.
func toPubKey(j *secp256k1.JacobianPoint) (*btcec.PublicKey, bool) {
	if (j.X.IsZero() && j.Y.IsZero()) || j.Z.IsZero() {
		return nil, false
	}
	j.ToAffine()

	return secp256k1.NewPublicKey(&j.X, &j.Y), true
}
