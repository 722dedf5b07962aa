package dlc

import (
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/txbuilder"
)

// GetSignedCet returns the CET of outcome space spaceIdx unlocked by
// attestations, signed by both parties. The counterparty's adaptor
// signature is decrypted with the attestation secret and checked before
// use, so attestations for another outcome fail.
func (m *Manager) GetSignedCet(signed *contract.SignedContract,
	spaceIdx int, attestations []*oracle.Attestation) (*wire.MsgTx,
	error) {

	accepted := signed.Accepted
	offered := accepted.Offered
	if spaceIdx < 0 || spaceIdx >= len(offered.ContractInfos) ||
		spaceIdx >= len(accepted.AdaptorInfos) {

		return nil, fmt.Errorf("%w: no outcome space %d",
			contract.ErrInvalidParameters, spaceIdx)
	}

	ci := offered.ContractInfos[spaceIdx]
	r, secret, err := ci.RangeForAttestations(
		accepted.AdaptorInfos[spaceIdx], attestations,
	)
	if err != nil {
		return nil, err
	}

	counterSigs := signed.CounterAdaptorSignatures()
	if r.AdaptorIndex >= len(counterSigs) {
		return nil, fmt.Errorf("%w: missing adaptor signature %d",
			contract.ErrInvalidState, r.AdaptorIndex)
	}

	counterSig, err := counterSigs[r.AdaptorIndex].Decrypt(secret)
	if err != nil {
		return nil, err
	}

	txs := accepted.DlcTransactions
	if r.CetIndex >= len(txs.Cets) {
		return nil, fmt.Errorf("%w: missing cet %d",
			contract.ErrInvalidState, r.CetIndex)
	}

	_, fundValue, err := txs.FundOutPoint()
	if err != nil {
		return nil, err
	}

	priv, err := m.ownKey(accepted)
	if err != nil {
		return nil, err
	}

	cet := txs.Cets[r.CetIndex].Copy()
	err = txbuilder.SignMultiSigInput(
		cet, 0, txs.FundingScript, fundValue, priv, counterSig,
		accepted.CounterParams().FundPubKey,
	)
	if err != nil {
		return nil, err
	}

	contractLog(offered.ID).Infof("Signed cet %d for outcome %v",
		r.CetIndex, r.Outcomes)

	return cet, nil
}

// GetSignedRefund returns the refund transaction with both parties'
// refund signatures. It only confirms after the refund lock time.
func GetSignedRefund(signed *contract.SignedContract) (*wire.MsgTx, error) {
	accepted := signed.Accepted
	txs := accepted.DlcTransactions

	_, fundValue, err := txs.FundOutPoint()
	if err != nil {
		return nil, err
	}

	offerPub := accepted.Offered.OfferParams.FundPubKey
	acceptPub := accepted.AcceptParams.FundPubKey

	refund := txs.Refund.Copy()
	err = txbuilder.VerifyTxInputSig(
		refund, 0, txs.FundingScript, fundValue,
		signed.OfferRefundSignature, offerPub,
	)
	if err != nil {
		return nil, fmt.Errorf("offer refund signature: %w", err)
	}
	err = txbuilder.VerifyTxInputSig(
		refund, 0, txs.FundingScript, fundValue,
		accepted.AcceptRefundSignature, acceptPub,
	)
	if err != nil {
		return nil, fmt.Errorf("accept refund signature: %w", err)
	}

	refund.TxIn[0].Witness = txbuilder.MultiSigWitness(
		txs.FundingScript, offerPub, signed.OfferRefundSignature,
		acceptPub, accepted.AcceptRefundSignature,
	)

	return refund, nil
}
