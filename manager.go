package dlc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightninglabs/dlc/adaptor"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/txbuilder"
)

// Manager drives contracts through the offer, accept and sign steps. Every
// step is a function of its arguments and the collaborators; callers must
// not run two steps of the same contract concurrently.
type Manager struct {
	cfg *Config
}

// NewManager returns a manager using the collaborators of cfg.
func NewManager(cfg *Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Manager{cfg: cfg}, nil
}

// OfferContract creates a contract offer to counterParty. announcements
// holds one set of oracle announcements per outcome space of input.
func (m *Manager) OfferContract(ctx context.Context, input *contract.Input,
	announcements [][]*oracle.Announcement,
	counterParty *btcec.PublicKey) (*contract.OfferedContract,
	*dlcmsg.Offer, error) {

	if err := input.Validate(); err != nil {
		return nil, nil, err
	}

	tempID, err := contract.NewTemporaryID()
	if err != nil {
		return nil, nil, err
	}

	keysID := m.cfg.Signers.DeriveSignerKeyID(true, tempID)
	s, err := m.cfg.Signers.DeriveContractSigner(keysID)
	if err != nil {
		return nil, nil, err
	}

	params, fundingInputs, err := m.partyParams(
		ctx, s, input.OfferCollateral, input.FeeRate,
	)
	if err != nil {
		return nil, nil, err
	}

	offered, err := contract.NewOfferedContract(
		tempID, input, announcements, params, fundingInputs,
		counterParty, m.cfg.RefundDelay, m.cfg.Clock.Now(), keysID,
	)
	if err != nil {
		return nil, nil, err
	}

	contractLog(tempID).Infof("Offered contract with %d outcome "+
		"spaces, collateral %v/%v", len(offered.ContractInfos),
		input.OfferCollateral, offered.TotalCollateral)

	return offered, offered.OfferMessage(*m.cfg.ChainParams.GenesisHash), nil
}

// ReceiveOffer validates an offer from counterParty and returns the
// accepting party's record of it.
func (m *Manager) ReceiveOffer(msg *dlcmsg.Offer,
	counterParty *btcec.PublicKey) (*contract.OfferedContract, error) {

	if msg.ChainHash != *m.cfg.ChainParams.GenesisHash {
		return nil, fmt.Errorf("%w: offer for chain %v",
			dlcmsg.ErrInvalidMessage, msg.ChainHash)
	}

	keysID := m.cfg.Signers.DeriveSignerKeyID(
		false, msg.TemporaryContractID,
	)

	return contract.FromOfferMessage(
		msg, counterParty, keysID, m.cfg.Clock.Now(),
	)
}

// AcceptContract funds the accepting side of offered, creates the contract
// transactions and signs them. The returned record does not keep the
// adaptor signatures, they are only sent in the Accept message.
func (m *Manager) AcceptContract(ctx context.Context,
	offered *contract.OfferedContract) (*contract.AcceptedContract,
	*dlcmsg.Accept, error) {

	s, err := m.cfg.Signers.DeriveContractSigner(offered.KeysID)
	if err != nil {
		return nil, nil, err
	}
	priv, err := s.PrivKey()
	if err != nil {
		return nil, nil, err
	}

	acceptParams, fundingInputs, err := m.partyParams(
		ctx, s, offered.AcceptCollateral(), offered.FeeRate,
	)
	if err != nil {
		return nil, nil, err
	}

	payouts, err := offered.Payouts(0)
	if err != nil {
		return nil, nil, err
	}

	txs, err := txbuilder.CreateDlcTransactions(
		offered.OfferParams, acceptParams, payouts, offered.Terms(), 0,
	)
	if err != nil {
		return nil, nil, err
	}

	accepted, sigs, err := acceptContract(
		offered, acceptParams, fundingInputs, priv, txs,
	)
	if err != nil {
		return nil, nil, err
	}

	contractLog(offered.ID).Infof("Accepted contract, %d cets, %d "+
		"adaptor signatures", len(accepted.DlcTransactions.Cets),
		len(sigs))
	log.Tracef("Funding transaction: %v", spew.Sdump(txs.Fund))

	return accepted, accepted.AcceptMessage(sigs), nil
}

// acceptContract creates the adaptor signatures and refund signature of
// the accepting party for txs, whose CETs cover the first outcome space.
func acceptContract(offered *contract.OfferedContract,
	acceptParams *txbuilder.PartyParams,
	fundingInputs []dlcmsg.FundingInput, priv *btcec.PrivateKey,
	txs *txbuilder.DlcTransactions) (*contract.AcceptedContract,
	[]*adaptor.Signature, error) {

	fundOutPoint, fundValue, err := txs.FundOutPoint()
	if err != nil {
		return nil, nil, err
	}

	info, sigs, err := offered.ContractInfos[0].GenerateAdaptorInfo(
		priv, txs.FundingScript, fundValue, txs.Cets, 0, 0,
	)
	if err != nil {
		return nil, nil, err
	}
	infos := []*contract.AdaptorInfo{info}

	cets := append([]*wire.MsgTx(nil), txs.Cets...)
	for i, ci := range offered.ContractInfos[1:] {
		spaceCets, err := outcomeSpaceCets(
			offered, acceptParams, *fundOutPoint, i+1,
		)
		if err != nil {
			return nil, nil, err
		}

		info, spaceSigs, err := ci.GenerateAdaptorInfo(
			priv, txs.FundingScript, fundValue, spaceCets,
			len(cets), len(sigs),
		)
		if err != nil {
			return nil, nil, err
		}

		cets = append(cets, spaceCets...)
		infos = append(infos, info)
		sigs = append(sigs, spaceSigs...)
	}

	refundSig, err := txbuilder.RawSignature(
		txs.Refund, 0, txs.FundingScript, fundValue, priv,
	)
	if err != nil {
		return nil, nil, err
	}

	accepted := &contract.AcceptedContract{
		Offered:               offered.Copy(),
		AcceptParams:          acceptParams.Copy(),
		FundingInputs:         fundingInputs,
		AdaptorInfos:          infos,
		AcceptRefundSignature: refundSig,
		DlcTransactions: &txbuilder.DlcTransactions{
			Fund:          txs.Fund.Copy(),
			Cets:          cets,
			Refund:        txs.Refund.Copy(),
			FundingScript: txs.FundingScript,
		},
	}

	return accepted, sigs, nil
}

// outcomeSpaceCets builds the CETs of outcome space idx > 0. They spend the
// same funding output as the CETs of the first outcome space.
func outcomeSpaceCets(offered *contract.OfferedContract,
	acceptParams *txbuilder.PartyParams, fundOutPoint wire.OutPoint,
	idx int) ([]*wire.MsgTx, error) {

	payouts, err := offered.Payouts(idx)
	if err != nil {
		return nil, err
	}

	return txbuilder.CreateCets(
		fundOutPoint, offered.OfferParams, acceptParams, payouts,
		offered.CetLockTime,
	)
}

// acceptParams rebuilds the accepting party's parameters from its message.
func acceptParams(offered *contract.OfferedContract,
	msg *dlcmsg.Accept) (*txbuilder.PartyParams, error) {

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	if msg.TemporaryContractID != offered.ID {
		return nil, fmt.Errorf("%w: accept for contract %x",
			dlcmsg.ErrInvalidMessage, msg.TemporaryContractID)
	}

	if msg.AcceptCollateral != offered.AcceptCollateral() {
		return nil, fmt.Errorf("%w: accept collateral %v, expected %v",
			contract.ErrInvalidParameters, msg.AcceptCollateral,
			offered.AcceptCollateral())
	}

	inputs, inputAmount, err := dlcmsg.FundingInputsInfo(msg.FundingInputs)
	if err != nil {
		return nil, err
	}

	return &txbuilder.PartyParams{
		FundPubKey:     msg.FundingPubKey,
		ChangeScript:   msg.ChangeScript,
		ChangeSerialID: msg.ChangeSerialID,
		PayoutScript:   msg.PayoutScript,
		PayoutSerialID: msg.PayoutSerialID,
		Inputs:         inputs,
		InputAmount:    inputAmount,
		Collateral:     msg.AcceptCollateral,
	}, nil
}

// VerifyAcceptedAndSignContract checks the accepting party's signatures,
// then signs the contract and the offering party's funding inputs.
func (m *Manager) VerifyAcceptedAndSignContract(ctx context.Context,
	offered *contract.OfferedContract,
	msg *dlcmsg.Accept) (*contract.SignedContract, *dlcmsg.Sign, error) {

	acceptParams, err := acceptParams(offered, msg)
	if err != nil {
		return nil, nil, err
	}

	payouts, err := offered.Payouts(0)
	if err != nil {
		return nil, nil, err
	}

	txs, err := txbuilder.CreateDlcTransactions(
		offered.OfferParams, acceptParams, payouts, offered.Terms(), 0,
	)
	if err != nil {
		return nil, nil, err
	}

	s, err := m.cfg.Signers.DeriveContractSigner(offered.KeysID)
	if err != nil {
		return nil, nil, err
	}
	priv, err := s.PrivKey()
	if err != nil {
		return nil, nil, err
	}

	signed, sigs, err := verifyAcceptedAndSign(
		offered, acceptParams, msg, priv, txs,
	)
	if err != nil {
		return nil, nil, err
	}

	fundingSigs, err := m.signFundingInputs(
		ctx, txs.Fund, offered.FundingInputs, msg.FundingInputs,
	)
	if err != nil {
		return nil, nil, err
	}
	signed.FundingSignatures = fundingSigs

	signMsg, err := signed.SignMessage(sigs)
	if err != nil {
		return nil, nil, err
	}

	contractLog(signMsg.ContractID).Infof("Verified accept of %x and "+
		"signed contract", offered.ID[:3])

	return signed, signMsg, nil
}

// verifyAcceptedAndSign verifies the accepting party's refund and adaptor
// signatures, outcome space by outcome space, and creates the offering
// party's own. The funding signatures are left to the caller.
func verifyAcceptedAndSign(offered *contract.OfferedContract,
	acceptParams *txbuilder.PartyParams, msg *dlcmsg.Accept,
	priv *btcec.PrivateKey, txs *txbuilder.DlcTransactions) (
	*contract.SignedContract, []*adaptor.Signature, error) {

	fundOutPoint, fundValue, err := txs.FundOutPoint()
	if err != nil {
		return nil, nil, err
	}

	err = txbuilder.VerifyTxInputSig(
		txs.Refund, 0, txs.FundingScript, fundValue,
		msg.RefundSignature, acceptParams.FundPubKey,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("accept refund signature: %w", err)
	}

	counterSigs := msg.CetAdaptorSignatures
	info, next, err := offered.ContractInfos[0].VerifyAndGetAdaptorInfo(
		acceptParams.FundPubKey, txs.FundingScript, fundValue,
		txs.Cets, counterSigs, 0, 0,
	)
	if err != nil {
		return nil, nil, err
	}

	ownSigs, err := offered.ContractInfos[0].AdaptorSignatures(
		priv, txs.FundingScript, fundValue, txs.Cets, 0, info,
	)
	if err != nil {
		return nil, nil, err
	}

	infos := []*contract.AdaptorInfo{info}
	cets := append([]*wire.MsgTx(nil), txs.Cets...)
	for i, ci := range offered.ContractInfos[1:] {
		spaceCets, err := outcomeSpaceCets(
			offered, acceptParams, *fundOutPoint, i+1,
		)
		if err != nil {
			return nil, nil, err
		}

		info, next, err = ci.VerifyAndGetAdaptorInfo(
			acceptParams.FundPubKey, txs.FundingScript, fundValue,
			spaceCets, counterSigs, len(cets), next,
		)
		if err != nil {
			return nil, nil, err
		}

		spaceSigs, err := ci.AdaptorSignatures(
			priv, txs.FundingScript, fundValue, spaceCets,
			len(cets), info,
		)
		if err != nil {
			return nil, nil, err
		}

		cets = append(cets, spaceCets...)
		infos = append(infos, info)
		ownSigs = append(ownSigs, spaceSigs...)
	}

	if next != len(counterSigs) {
		return nil, nil, fmt.Errorf("%w: %d adaptor signatures, "+
			"expected %d", adaptor.ErrInvalidSignature,
			len(counterSigs), next)
	}

	refundSig, err := txbuilder.RawSignature(
		txs.Refund, 0, txs.FundingScript, fundValue, priv,
	)
	if err != nil {
		return nil, nil, err
	}

	signed := &contract.SignedContract{
		Accepted: &contract.AcceptedContract{
			Offered:               offered.Copy(),
			AcceptParams:          acceptParams,
			FundingInputs:         msg.FundingInputs,
			AdaptorInfos:          infos,
			AdaptorSignatures:     counterSigs,
			AcceptRefundSignature: msg.RefundSignature,
			DlcTransactions: &txbuilder.DlcTransactions{
				Fund:          txs.Fund.Copy(),
				Cets:          cets,
				Refund:        txs.Refund.Copy(),
				FundingScript: txs.FundingScript,
			},
		},
		OfferRefundSignature: refundSig,
	}

	return signed, ownSigs, nil
}

// VerifySignedContract checks the offering party's signatures and returns
// the signed contract along with the funding transaction, complete with
// the witnesses of both parties and ready for broadcast.
func (m *Manager) VerifySignedContract(ctx context.Context,
	accepted *contract.AcceptedContract,
	msg *dlcmsg.Sign) (*contract.SignedContract, *wire.MsgTx, error) {

	signed, err := verifySigned(accepted, msg)
	if err != nil {
		return nil, nil, err
	}

	txs := signed.Accepted.DlcTransactions
	fund := txs.Fund.Copy()
	err = applyFundingSignatures(
		fund, accepted.Offered.FundingInputs, msg.FundingSignatures,
	)
	if err != nil {
		return nil, nil, err
	}

	ownSigs, err := m.signFundingInputs(
		ctx, txs.Fund, accepted.FundingInputs,
		accepted.Offered.FundingInputs,
	)
	if err != nil {
		return nil, nil, err
	}
	err = applyFundingSignatures(fund, accepted.FundingInputs, ownSigs)
	if err != nil {
		return nil, nil, err
	}

	err = verifyFundingInputs(
		fund, accepted.Offered.FundingInputs, accepted.FundingInputs,
	)
	if err != nil {
		return nil, nil, err
	}
	txs.Fund = fund

	id, err := signed.ContractID()
	if err != nil {
		return nil, nil, err
	}
	contractLog(id).Infof("Contract signed, funding tx %v",
		fund.TxHash())

	return signed, fund.Copy(), nil
}

// verifySigned checks the refund and adaptor signatures of a Sign message
// against the accepted contract.
func verifySigned(accepted *contract.AcceptedContract,
	msg *dlcmsg.Sign) (*contract.SignedContract, error) {

	if msg.ProtocolVersion != dlcmsg.ProtocolVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d",
			dlcmsg.ErrInvalidMessage, msg.ProtocolVersion)
	}

	id, err := accepted.ContractID()
	if err != nil {
		return nil, err
	}
	if msg.ContractID != id {
		return nil, fmt.Errorf("%w: sign for contract %x, expected "+
			"%x", dlcmsg.ErrInvalidMessage, msg.ContractID, id)
	}

	offered := accepted.Offered
	offerPub := offered.OfferParams.FundPubKey
	txs := accepted.DlcTransactions

	_, fundValue, err := txs.FundOutPoint()
	if err != nil {
		return nil, err
	}

	err = txbuilder.VerifyTxInputSig(
		txs.Refund, 0, txs.FundingScript, fundValue,
		msg.RefundSignature, offerPub,
	)
	if err != nil {
		return nil, fmt.Errorf("offer refund signature: %w", err)
	}

	if err := verifyAdaptorSignatures(
		accepted, offerPub, fundValue, msg.CetAdaptorSignatures,
	); err != nil {
		return nil, err
	}

	return &contract.SignedContract{
		Accepted:             accepted.Copy(),
		AdaptorSignatures:    msg.CetAdaptorSignatures,
		OfferRefundSignature: msg.RefundSignature,
		FundingSignatures:    msg.FundingSignatures,
	}, nil
}

// verifyAdaptorSignatures checks sigs against every outcome space of
// accepted in order.
func verifyAdaptorSignatures(accepted *contract.AcceptedContract,
	pub *btcec.PublicKey, fundValue btcutil.Amount,
	sigs []*adaptor.Signature) error {

	offered := accepted.Offered
	txs := accepted.DlcTransactions

	spaces, offsets, err := offered.SplitCets(txs.Cets)
	if err != nil {
		return err
	}
	if len(accepted.AdaptorInfos) != len(spaces) {
		return fmt.Errorf("%w: %d adaptor infos for %d outcome spaces",
			contract.ErrInvalidState, len(accepted.AdaptorInfos),
			len(spaces))
	}

	var next int
	for i, ci := range offered.ContractInfos {
		next, err = ci.VerifyAdaptorInfo(
			pub, txs.FundingScript, fundValue, spaces[i], sigs,
			offsets[i], accepted.AdaptorInfos[i],
		)
		if err != nil {
			return err
		}
	}

	if next != len(sigs) {
		return fmt.Errorf("%w: %d adaptor signatures, expected %d",
			adaptor.ErrInvalidSignature, len(sigs), next)
	}

	return nil
}

// ownKey returns the funding key of the record holder.
func (m *Manager) ownKey(accepted *contract.AcceptedContract) (
	*btcec.PrivateKey, error) {

	s, err := m.cfg.Signers.DeriveContractSigner(accepted.Offered.KeysID)
	if err != nil {
		return nil, err
	}

	priv, err := s.PrivKey()
	if err != nil {
		return nil, err
	}

	own := accepted.OwnParams().FundPubKey
	if !bytes.Equal(own.SerializeCompressed(),
		priv.PubKey().SerializeCompressed()) {

		return nil, fmt.Errorf("%w: signer does not match funding key",
			contract.ErrInvalidState)
	}

	return priv, nil
}
