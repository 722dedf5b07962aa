package test

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/dlc/oracle"
)

// Oracle announces and attests events with deterministic nonces.
type Oracle struct {
	priv *btcec.PrivateKey

	mu     sync.Mutex
	nonces map[string][]*btcec.PrivateKey
}

// NewOracle returns an oracle with a key derived from index.
func NewOracle(index int32) *Oracle {
	priv, _ := CreateKey(-1 - index)

	return &Oracle{
		priv:   priv,
		nonces: make(map[string][]*btcec.PrivateKey),
	}
}

// PubKey returns the oracle's public key.
func (o *Oracle) PubKey() *btcec.PublicKey {
	return o.priv.PubKey()
}

// Announce commits to an event.
func (o *Oracle) Announce(eventID string, maturity uint32,
	desc oracle.EventDescriptor) (*oracle.Announcement, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	event := oracle.Event{
		Maturity:   maturity,
		Descriptor: desc,
		EventID:    eventID,
	}

	nonces := make([]*btcec.PrivateKey, desc.NonceCount())
	for i := range nonces {
		h := sha256.New()
		h.Write(o.priv.Serialize())
		h.Write([]byte(eventID))

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])

		nonces[i], _ = btcec.PrivKeyFromBytes(h.Sum(nil))
		event.Nonces = append(event.Nonces, nonces[i].PubKey())
	}
	o.nonces[eventID] = nonces

	return oracle.SignAnnouncement(o.priv, event)
}

// AnnounceEnum commits to an enumerated event.
func (o *Oracle) AnnounceEnum(eventID string, maturity uint32,
	outcomes ...string) (*oracle.Announcement, error) {

	return o.Announce(eventID, maturity, &oracle.EnumEvent{
		Outcomes: outcomes,
	})
}

// AnnounceDigits commits to a numeric event.
func (o *Oracle) AnnounceDigits(eventID string, maturity uint32, base,
	nbDigits uint16) (*oracle.Announcement, error) {

	return o.Announce(eventID, maturity, &oracle.DigitEvent{
		Base:     base,
		NbDigits: nbDigits,
	})
}

// Attest signs outcomes of an announced event, one per nonce in order.
func (o *Oracle) Attest(eventID string,
	outcomes ...string) (*oracle.Attestation, error) {

	o.mu.Lock()
	defer o.mu.Unlock()

	nonces, ok := o.nonces[eventID]
	if !ok {
		return nil, fmt.Errorf("event %v not announced", eventID)
	}
	if len(outcomes) > len(nonces) {
		return nil, fmt.Errorf("%d outcomes for %d nonces",
			len(outcomes), len(nonces))
	}

	att := &oracle.Attestation{
		EventID:         eventID,
		OraclePublicKey: o.priv.PubKey(),
		Outcomes:        outcomes,
	}
	for i, outcome := range outcomes {
		sig, err := oracle.SignOutcome(o.priv, nonces[i], outcome)
		if err != nil {
			return nil, err
		}
		att.Signatures = append(att.Signatures, sig)
	}

	return att, nil
}

// AttestValue signs value digit by digit for a numeric event.
func (o *Oracle) AttestValue(ann *oracle.Announcement,
	value uint64) (*oracle.Attestation, error) {

	event, ok := ann.Event.Descriptor.(*oracle.DigitEvent)
	if !ok {
		return nil, fmt.Errorf("event %v is not numeric",
			ann.Event.EventID)
	}

	return o.Attest(ann.Event.EventID, event.DigitOutcomes(value)...)
}
