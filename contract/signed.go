package contract

import (
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/dlcmsg"
)

// SignedContract is a contract in the signed state. Its funding
// transaction can be broadcast.
type SignedContract struct {
	Accepted *AcceptedContract

	// AdaptorSignatures are the offering party's adaptor signatures.
	// Only the accepting party keeps them.
	AdaptorSignatures []*adaptor.Signature

	OfferRefundSignature *ecdsa.Signature

	// FundingSignatures are the offering party's funding input
	// witnesses, in the order of its funding inputs.
	FundingSignatures []dlcmsg.FundingSignature
}

// ContractID returns the id of the contract.
func (s *SignedContract) ContractID() ([32]byte, error) {
	return s.Accepted.ContractID()
}

// CounterAdaptorSignatures returns the adaptor signatures of the other
// party, the ones the record holder completes to close the contract.
func (s *SignedContract) CounterAdaptorSignatures() []*adaptor.Signature {
	if s.Accepted.Offered.IsOfferParty {
		return s.Accepted.AdaptorSignatures
	}

	return s.AdaptorSignatures
}

// SignMessage returns the Sign message carrying sigs, the offering party's
// adaptor signatures.
func (s *SignedContract) SignMessage(
	sigs []*adaptor.Signature) (*dlcmsg.Sign, error) {

	id, err := s.ContractID()
	if err != nil {
		return nil, err
	}

	return &dlcmsg.Sign{
		ProtocolVersion:      dlcmsg.ProtocolVersion,
		ContractID:           id,
		CetAdaptorSignatures: sigs,
		RefundSignature:      s.OfferRefundSignature,
		FundingSignatures:    s.FundingSignatures,
	}, nil
}
