package oracle

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidAnnouncement is returned when an announcement is
	// malformed or its signature does not verify.
	ErrInvalidAnnouncement = errors.New("invalid oracle announcement")

	// ErrInvalidAttestation is returned when an attestation does not
	// match its announcement.
	ErrInvalidAttestation = errors.New("invalid oracle attestation")

	tagAnnouncement = []byte("DLC/oracle/announcement/v0")
)

// EventDescriptor describes the set of outcomes an oracle may attest to.
type EventDescriptor interface {
	// NonceCount is the number of nonces needed to attest to an outcome.
	NonceCount() int

	encode(w *bytes.Buffer) error
}

// EnumEvent is an event with a closed list of outcomes.
type EnumEvent struct {
	Outcomes []string
}

// NonceCount returns one: an enumerated outcome is attested with a single
// signature.
func (e *EnumEvent) NonceCount() int {
	return 1
}

func (e *EnumEvent) encode(w *bytes.Buffer) error {
	w.WriteByte(0)
	if err := wire.WriteVarInt(w, 0, uint64(len(e.Outcomes))); err != nil {
		return err
	}
	for _, o := range e.Outcomes {
		if err := wire.WriteVarString(w, 0, o); err != nil {
			return err
		}
	}

	return nil
}

// DigitEvent is a numeric event attested digit by digit, most significant
// digit first.
type DigitEvent struct {
	Base      uint16
	NbDigits  uint16
	Unit      string
	Precision int32
}

// NonceCount returns the number of digits.
func (d *DigitEvent) NonceCount() int {
	return int(d.NbDigits)
}

func (d *DigitEvent) encode(w *bytes.Buffer) error {
	w.WriteByte(1)
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[:2], d.Base)
	binary.BigEndian.PutUint16(buf[2:4], d.NbDigits)
	binary.BigEndian.PutUint32(buf[4:], uint32(d.Precision))
	w.Write(buf[:])

	return wire.WriteVarString(w, 0, d.Unit)
}

// DigitOutcomes renders value as the list of digit outcomes an oracle signs
// for a DigitEvent.
func (d *DigitEvent) DigitOutcomes(value uint64) []string {
	outcomes := make([]string, d.NbDigits)
	for i := int(d.NbDigits) - 1; i >= 0; i-- {
		outcomes[i] = strconv.FormatUint(value%uint64(d.Base), 10)
		value /= uint64(d.Base)
	}

	return outcomes
}

// Event is the content an oracle commits to in an announcement.
type Event struct {
	// Nonces are the x-only nonce points the oracle will use to attest.
	Nonces []*btcec.PublicKey

	// Maturity is the unix time after which the oracle attests.
	Maturity uint32

	Descriptor EventDescriptor

	EventID string
}

// Digest returns the tagged hash the oracle signs when announcing.
func (e *Event) Digest() (*chainhash.Hash, error) {
	var b bytes.Buffer
	for _, n := range e.Nonces {
		b.Write(schnorr.SerializePubKey(n))
	}

	var maturity [4]byte
	binary.BigEndian.PutUint32(maturity[:], e.Maturity)
	b.Write(maturity[:])

	if e.Descriptor == nil {
		return nil, fmt.Errorf("%w: missing descriptor",
			ErrInvalidAnnouncement)
	}
	if err := e.Descriptor.encode(&b); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&b, 0, e.EventID); err != nil {
		return nil, err
	}

	return chainhash.TaggedHash(tagAnnouncement, b.Bytes()), nil
}

// Announcement is an oracle's signed commitment to a future event.
type Announcement struct {
	Signature       *schnorr.Signature
	OraclePublicKey *btcec.PublicKey
	Event           Event
}

// Validate checks the announcement signature and that the nonce count
// matches the event descriptor.
func (a *Announcement) Validate() error {
	if a.OraclePublicKey == nil || a.Signature == nil {
		return fmt.Errorf("%w: missing key or signature",
			ErrInvalidAnnouncement)
	}

	if a.Event.Descriptor == nil {
		return fmt.Errorf("%w: missing descriptor",
			ErrInvalidAnnouncement)
	}

	if len(a.Event.Nonces) != a.Event.Descriptor.NonceCount() {
		return fmt.Errorf("%w: %d nonces for %d outcomes",
			ErrInvalidAnnouncement, len(a.Event.Nonces),
			a.Event.Descriptor.NonceCount())
	}

	if d, ok := a.Event.Descriptor.(*DigitEvent); ok && d.Base < 2 {
		return fmt.Errorf("%w: base %d", ErrInvalidAnnouncement,
			d.Base)
	}

	digest, err := a.Event.Digest()
	if err != nil {
		return err
	}

	if !a.Signature.Verify(digest[:], a.OraclePublicKey) {
		return fmt.Errorf("%w: bad signature", ErrInvalidAnnouncement)
	}

	return nil
}

// SignAnnouncement creates a signed announcement for event.
func SignAnnouncement(priv *btcec.PrivateKey, event Event) (*Announcement,
	error) {

	digest, err := event.Digest()
	if err != nil {
		return nil, err
	}

	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, err
	}

	return &Announcement{
		Signature:       sig,
		OraclePublicKey: priv.PubKey(),
		Event:           event,
	}, nil
}

// Attestation is an oracle's signature over the realized outcome of an
// event, one signature per announced nonce.
type Attestation struct {
	EventID         string
	OraclePublicKey *btcec.PublicKey
	Signatures      []*schnorr.Signature
	Outcomes        []string
}

// Validate checks the attestation against the announcement it answers.
func (a *Attestation) Validate(ann *Announcement) error {
	if a.OraclePublicKey == nil ||
		!bytes.Equal(schnorr.SerializePubKey(a.OraclePublicKey),
			schnorr.SerializePubKey(ann.OraclePublicKey)) {

		return fmt.Errorf("%w: oracle key mismatch",
			ErrInvalidAttestation)
	}

	if len(a.Signatures) != len(a.Outcomes) ||
		len(a.Signatures) != len(ann.Event.Nonces) {

		return fmt.Errorf("%w: %d signatures, %d outcomes, %d nonces",
			ErrInvalidAttestation, len(a.Signatures),
			len(a.Outcomes), len(ann.Event.Nonces))
	}

	for i, sig := range a.Signatures {
		raw := sig.Serialize()
		nonce := schnorr.SerializePubKey(ann.Event.Nonces[i])
		if !bytes.Equal(raw[:32], nonce) {
			return fmt.Errorf("%w: signature %d uses wrong nonce",
				ErrInvalidAttestation, i)
		}

		if !sig.Verify(HashOutcome(a.Outcomes[i]), a.OraclePublicKey) {
			return fmt.Errorf("%w: signature %d does not verify",
				ErrInvalidAttestation, i)
		}
	}

	return nil
}

// Secret returns the sum of the s values of the first n signatures. It is
// the discrete log of the outcome point for the first n attested outcomes.
func (a *Attestation) Secret(n int) (btcec.ModNScalar, error) {
	var sum btcec.ModNScalar
	if n > len(a.Signatures) {
		return sum, fmt.Errorf("%w: %d signatures requested, %d "+
			"available", ErrInvalidAttestation, n,
			len(a.Signatures))
	}

	for _, sig := range a.Signatures[:n] {
		var s btcec.ModNScalar
		raw := sig.Serialize()
		if s.SetByteSlice(raw[32:]) {
			return sum, fmt.Errorf("%w: s overflow",
				ErrInvalidAttestation)
		}
		sum.Add(&s)
	}

	return sum, nil
}

// HashOutcome returns the message an oracle signs for outcome.
func HashOutcome(outcome string) []byte {
	h := sha256.Sum256([]byte(outcome))
	return h[:]
}
