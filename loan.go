package dlc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/oracle"
	"github.com/lightninglabs/dlc/signer"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

// OfferLoanContract creates a loan offer from the lender to counterParty.
// The lender commits no funds; lenderPreimage is only committed to.
func (m *Manager) OfferLoanContract(ctx context.Context,
	input *contract.LoanInput, announcements [][]*oracle.Announcement,
	counterParty *btcec.PublicKey,
	lenderPreimage lntypes.Preimage) (*contract.OfferedLoanContract,
	*dlcmsg.OfferLoan, error) {

	if err := input.Validate(); err != nil {
		return nil, nil, err
	}
	base := input.ContractInput()

	tempID, err := contract.NewTemporaryID()
	if err != nil {
		return nil, nil, err
	}

	keysID := m.cfg.Signers.DeriveSignerKeyID(true, tempID)
	s, err := m.cfg.Signers.DeriveContractSigner(keysID)
	if err != nil {
		return nil, nil, err
	}

	params, _, err := m.partyParams(ctx, s, 0, base.FeeRate)
	if err != nil {
		return nil, nil, err
	}

	offered, err := contract.NewOfferedContract(
		tempID, base, announcements, params, nil, counterParty,
		m.cfg.RefundDelay, m.cfg.Clock.Now(), keysID,
	)
	if err != nil {
		return nil, nil, err
	}

	loan, err := contract.NewOfferedLoanContract(
		input, offered, lenderPreimage.Hash(), m.cfg.EscrowCSVDelay,
	)
	if err != nil {
		return nil, nil, err
	}

	contractLog(tempID).Infof("Offered loan of collateral %v, "+
		"interest %d%%, duration %d", input.Collateral,
		input.InterestRate, input.Duration)

	return loan, loan.OfferLoanMessage(*m.cfg.ChainParams.GenesisHash), nil
}

// ReceiveLoanOffer validates a loan offer and returns the borrower's record
// of it.
func (m *Manager) ReceiveLoanOffer(msg *dlcmsg.OfferLoan,
	counterParty *btcec.PublicKey) (*contract.OfferedLoanContract, error) {

	if msg.ChainHash != *m.cfg.ChainParams.GenesisHash {
		return nil, fmt.Errorf("%w: offer for chain %v",
			dlcmsg.ErrInvalidMessage, msg.ChainHash)
	}

	keysID := m.cfg.Signers.DeriveSignerKeyID(
		false, msg.TemporaryContractID,
	)

	return contract.FromOfferLoanMessage(
		msg, counterParty, keysID, m.cfg.Clock.Now(),
	)
}

// borrowerEscrow returns the borrower's signer and the escrow script of a
// loan.
func (m *Manager) borrowerEscrow(loan *contract.OfferedLoanContract,
	borrowerHash lntypes.Hash) (signer.ContractSigner,
	*txbuilder.EscrowScript, error) {

	s, err := m.cfg.Signers.DeriveContractSigner(loan.KeysID)
	if err != nil {
		return nil, nil, err
	}

	escrow, err := txbuilder.NewEscrowScript(
		s.PubKey(), loan.OfferParams.FundPubKey, borrowerHash,
		loan.EscrowCSVDelay,
	)
	if err != nil {
		return nil, nil, err
	}

	return s, escrow, nil
}

// SendEscrowTransaction funds the escrow of a loan from the borrower's
// wallet, broadcasts it and returns its id.
func (m *Manager) SendEscrowTransaction(ctx context.Context,
	loan *contract.OfferedLoanContract,
	borrowerPreimage lntypes.Preimage) (*chainhash.Hash, error) {

	s, escrow, err := m.borrowerEscrow(loan, borrowerPreimage.Hash())
	if err != nil {
		return nil, err
	}

	acceptParams, _, err := m.partyParams(ctx, s, 0, loan.FeeRate)
	if err != nil {
		return nil, err
	}
	acceptParams.Collateral = loan.AcceptCollateral()

	escrowAmount, err := txbuilder.EscrowAmount(
		loan.OfferParams, acceptParams, escrow, loan.FeeRate,
	)
	if err != nil {
		return nil, err
	}

	required, err := txbuilder.RequiredFunding(escrowAmount, loan.FeeRate)
	if err != nil {
		return nil, err
	}

	utxos, err := m.cfg.Wallet.UtxosForAmount(
		ctx, required, loan.FeeRate, true,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to select escrow funds: %w", err)
	}

	escrowTx, err := m.escrowTransaction(
		ctx, utxos, escrow, escrowAmount, loan,
	)
	if err != nil {
		m.unreserve(ctx, utxos)
		return nil, err
	}

	txid := escrowTx.TxHash()
	contractLog(loan.ID).Infof("Published escrow %v of %v", txid,
		escrowAmount)

	return &txid, nil
}

func (m *Manager) escrowTransaction(ctx context.Context,
	utxos []*txbuilder.Utxo, escrow *txbuilder.EscrowScript,
	escrowAmount btcutil.Amount,
	loan *contract.OfferedLoanContract) (*wire.MsgTx, error) {

	var (
		inputs      = make([]txbuilder.TxInputInfo, 0, len(utxos))
		inputAmount btcutil.Amount
	)
	for _, utxo := range utxos {
		inputs = append(inputs, txbuilder.TxInputInfo{
			OutPoint:      utxo.OutPoint,
			MaxWitnessLen: txbuilder.P2WPKHWitnessSize,
			RedeemScript:  utxo.RedeemScript,
		})
		inputAmount += btcutil.Amount(utxo.TxOut.Value)
	}

	changeAddr, err := m.cfg.Wallet.NewChangeAddress(ctx)
	if err != nil {
		return nil, err
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, err
	}

	unsigned, err := txbuilder.CreateEscrowTransaction(
		inputs, inputAmount, escrow, escrowAmount, changeScript,
		loan.FeeRate,
	)
	if err != nil {
		return nil, err
	}

	escrowTx, err := m.cfg.Wallet.SignRawTransaction(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("unable to sign escrow: %w", err)
	}

	if err := m.cfg.Blockchain.SendTransaction(ctx, escrowTx); err != nil {
		return nil, fmt.Errorf("unable to publish escrow: %w", err)
	}

	return escrowTx, nil
}

// escrowOutput fetches the escrow transaction and checks its first output
// pays to escrow.
func (m *Manager) escrowOutput(ctx context.Context, escrowTxID chainhash.Hash,
	escrow *txbuilder.EscrowScript) (*wire.OutPoint, btcutil.Amount,
	error) {

	escrowTx, err := m.cfg.Blockchain.GetTransaction(ctx, &escrowTxID)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow %v: %w", escrowTxID, err)
	}

	pkScript, err := escrow.PkScript()
	if err != nil {
		return nil, 0, err
	}

	if len(escrowTx.TxOut) <= txbuilder.EscrowOutputIndex ||
		!bytes.Equal(
			escrowTx.TxOut[txbuilder.EscrowOutputIndex].PkScript,
			pkScript,
		) {

		return nil, 0, fmt.Errorf("%w: escrow %v does not pay to "+
			"the escrow script", contract.ErrInvalidParameters,
			escrowTxID)
	}

	return &wire.OutPoint{
			Hash:  escrowTxID,
			Index: txbuilder.EscrowOutputIndex,
		},
		btcutil.Amount(
			escrowTx.TxOut[txbuilder.EscrowOutputIndex].Value,
		), nil
}

// AcceptLoanContract accepts a loan as the borrower once its escrow is
// published. The collateral transaction spending the escrow takes the place
// of the funding transaction; it carries the borrower's signature and
// preimage and waits for the lender's signature.
func (m *Manager) AcceptLoanContract(ctx context.Context,
	loan *contract.OfferedLoanContract, escrowTxID chainhash.Hash,
	borrowerPreimage lntypes.Preimage) (*contract.AcceptedLoanContract,
	*dlcmsg.AcceptLoan, error) {

	borrowerHash := borrowerPreimage.Hash()
	s, escrow, err := m.borrowerEscrow(loan, borrowerHash)
	if err != nil {
		return nil, nil, err
	}
	priv, err := s.PrivKey()
	if err != nil {
		return nil, nil, err
	}

	escrowOutPoint, escrowAmount, err := m.escrowOutput(
		ctx, escrowTxID, escrow,
	)
	if err != nil {
		return nil, nil, err
	}

	acceptParams, _, err := m.partyParams(ctx, s, 0, loan.FeeRate)
	if err != nil {
		return nil, nil, err
	}
	acceptParams.Collateral = loan.AcceptCollateral()

	_, fundPkScript, err := txbuilder.FundingScript(
		loan.OfferParams, acceptParams,
	)
	if err != nil {
		return nil, nil, err
	}

	collateralTx, err := txbuilder.CreateCollateralTransaction(
		*escrowOutPoint, escrowAmount, escrow, fundPkScript,
		loan.FeeRate,
	)
	if err != nil {
		return nil, nil, err
	}

	borrowerSig, err := txbuilder.RawSignature(
		collateralTx, 0, escrow.Script(), escrowAmount, priv,
	)
	if err != nil {
		return nil, nil, err
	}
	collateralTx.TxIn[0].Witness = escrow.GenSuccessWitness(
		nil, borrowerSig.Serialize(), borrowerPreimage,
	)

	payouts, err := loan.Payouts(0)
	if err != nil {
		return nil, nil, err
	}

	txs, err := txbuilder.CreateLoanDlcTransactions(
		loan.OfferParams, acceptParams, payouts, loan.Terms(),
		collateralTx,
	)
	if err != nil {
		return nil, nil, err
	}

	accepted, sigs, err := acceptContract(
		&loan.OfferedContract, acceptParams, nil, priv, txs,
	)
	if err != nil {
		return nil, nil, err
	}

	loanAccepted := &contract.AcceptedLoanContract{
		AcceptedContract:    *accepted,
		LoanTerms:           loan.LoanTerms,
		EscrowTxID:          escrowTxID,
		BorrowerHash:        borrowerHash,
		SignedEscrowSpendTx: collateralTx.Copy(),
	}

	contractLog(loan.ID).Infof("Accepted loan, collateral tx %v "+
		"spends escrow %v", collateralTx.TxHash(), escrowTxID)

	msg := loanAccepted.AcceptLoanMessage(
		sigs, escrowAmount, escrow, fundPkScript,
	)

	return loanAccepted, msg, nil
}

// VerifyAcceptedAndSignLoanContract verifies the borrower's accept as the
// lender: the escrow on chain, the collateral transaction with the
// borrower's signature and preimage, and the contract signatures. The
// lender's escrow signature is sent as the funding signature.
func (m *Manager) VerifyAcceptedAndSignLoanContract(ctx context.Context,
	loan *contract.OfferedLoanContract,
	msg *dlcmsg.AcceptLoan) (*contract.SignedContract, *dlcmsg.Sign,
	error) {

	offered := &loan.OfferedContract
	acceptParams, err := acceptParams(offered, &msg.Accept)
	if err != nil {
		return nil, nil, err
	}

	escrow, err := txbuilder.NewEscrowScript(
		acceptParams.FundPubKey, offered.OfferParams.FundPubKey,
		msg.BorrowerHash, loan.EscrowCSVDelay,
	)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(escrow.Script(), msg.EscrowScript) {
		return nil, nil, fmt.Errorf("%w: unexpected escrow script",
			contract.ErrInvalidParameters)
	}

	escrowOutPoint, escrowAmount, err := m.escrowOutput(
		ctx, msg.EscrowTxID, escrow,
	)
	if err != nil {
		return nil, nil, err
	}
	if escrowAmount != msg.EscrowAmount {
		return nil, nil, fmt.Errorf("%w: escrow amount %v, announced "+
			"%v", contract.ErrInvalidParameters, escrowAmount,
			msg.EscrowAmount)
	}

	_, fundPkScript, err := txbuilder.FundingScript(
		offered.OfferParams, acceptParams,
	)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(fundPkScript, msg.CollateralScript) {
		return nil, nil, fmt.Errorf("%w: unexpected collateral script",
			contract.ErrInvalidParameters)
	}

	collateralTx, err := txbuilder.CreateCollateralTransaction(
		*escrowOutPoint, escrowAmount, escrow, fundPkScript,
		offered.FeeRate,
	)
	if err != nil {
		return nil, nil, err
	}

	spend := msg.SignedEscrowSpendTx
	if spend == nil || spend.TxHash() != collateralTx.TxHash() {
		return nil, nil, fmt.Errorf("%w: collateral transaction "+
			"mismatch", contract.ErrInvalidParameters)
	}
	err = verifyBorrowerWitness(
		spend, escrow, escrowAmount, acceptParams.FundPubKey,
	)
	if err != nil {
		return nil, nil, err
	}

	payouts, err := offered.Payouts(0)
	if err != nil {
		return nil, nil, err
	}
	txs, err := txbuilder.CreateLoanDlcTransactions(
		offered.OfferParams, acceptParams, payouts, offered.Terms(),
		spend,
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
		offered, acceptParams, &msg.Accept, priv, txs,
	)
	if err != nil {
		return nil, nil, err
	}

	lenderSig, err := txbuilder.RawSignature(
		collateralTx, 0, escrow.Script(), escrowAmount, priv,
	)
	if err != nil {
		return nil, nil, err
	}

	// The complete witness must satisfy the escrow before the lender's
	// signature leaves.
	complete := spend.Copy()
	complete.TxIn[0].Witness[0] = append(
		lenderSig.Serialize(), byte(txscript.SigHashAll),
	)
	err = verifyEscrowSpend(complete, escrow, escrowAmount)
	if err != nil {
		return nil, nil, err
	}

	signed.FundingSignatures = []dlcmsg.FundingSignature{{
		WitnessElements: [][]byte{complete.TxIn[0].Witness[0]},
	}}

	signMsg, err := signed.SignMessage(sigs)
	if err != nil {
		return nil, nil, err
	}

	contractLog(signMsg.ContractID).Infof("Verified loan accept, "+
		"escrow %v", msg.EscrowTxID)

	return signed, signMsg, nil
}

// verifyBorrowerWitness checks the borrower's part of the collateral
// transaction witness: its signature and the preimage of the escrow hash.
func verifyBorrowerWitness(spend *wire.MsgTx, escrow *txbuilder.EscrowScript,
	escrowAmount btcutil.Amount, borrowerKey *btcec.PublicKey) error {

	if len(spend.TxIn) != 1 || !escrow.IsSuccessWitness(spend.TxIn[0].Witness) {
		return fmt.Errorf("%w: collateral transaction lacks the "+
			"escrow witness", contract.ErrInvalidState)
	}
	witness := spend.TxIn[0].Witness

	if sha256.Sum256(witness[2]) != escrow.BorrowerHash {
		return fmt.Errorf("%w: preimage does not match borrower hash",
			contract.ErrInvalidParameters)
	}

	rawSig := witness[1]
	if len(rawSig) < 2 {
		return fmt.Errorf("%w: missing borrower signature",
			txbuilder.ErrInvalidSignature)
	}
	sig, err := ecdsa.ParseDERSignature(rawSig[:len(rawSig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", txbuilder.ErrInvalidSignature, err)
	}

	return txbuilder.VerifyTxInputSig(
		spend, 0, escrow.Script(), escrowAmount, sig, borrowerKey,
	)
}

// verifyEscrowSpend executes the escrow script for the first input of tx.
func verifyEscrowSpend(tx *wire.MsgTx, escrow *txbuilder.EscrowScript,
	escrowAmount btcutil.Amount) error {

	pkScript, err := escrow.PkScript()
	if err != nil {
		return err
	}

	return executeInput(tx, 0, pkScript, escrowAmount)
}

func executeInput(tx *wire.MsgTx, idx int, pkScript []byte,
	amt btcutil.Amount) error {

	prevOuts := txscript.NewCannedPrevOutputFetcher(pkScript, int64(amt))
	vm, err := txscript.NewEngine(
		pkScript, tx, idx, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevOuts), int64(amt), prevOuts,
	)
	if err != nil {
		return err
	}

	if err := vm.Execute(); err != nil {
		return fmt.Errorf("%w: input %d of %v: %v",
			txbuilder.ErrInvalidSignature, idx, tx.TxHash(), err)
	}

	return nil
}

// VerifySignedLoanContract verifies the lender's Sign message as the
// borrower and completes the collateral transaction with the lender's
// escrow signature. The returned transaction funds the contract.
func (m *Manager) VerifySignedLoanContract(ctx context.Context,
	loan *contract.AcceptedLoanContract,
	msg *dlcmsg.Sign) (*contract.SignedContract, *wire.MsgTx, error) {

	signed, err := verifySigned(loan.ToAcceptedContract(), msg)
	if err != nil {
		return nil, nil, err
	}

	if len(msg.FundingSignatures) != 1 ||
		len(msg.FundingSignatures[0].WitnessElements) != 1 {

		return nil, nil, fmt.Errorf("%w: expected the lender's escrow "+
			"signature", dlcmsg.ErrInvalidMessage)
	}

	collateralTx := loan.SignedEscrowSpendTx.Copy()
	witness := collateralTx.TxIn[0].Witness
	if len(witness) != 5 {
		return nil, nil, fmt.Errorf("%w: collateral transaction "+
			"lacks the escrow witness", contract.ErrInvalidState)
	}
	witness[0] = msg.FundingSignatures[0].WitnessElements[0]

	escrowTx, err := m.cfg.Blockchain.GetTransaction(ctx, &loan.EscrowTxID)
	if err != nil {
		return nil, nil, fmt.Errorf("escrow %v: %w", loan.EscrowTxID,
			err)
	}
	if len(escrowTx.TxOut) <= txbuilder.EscrowOutputIndex {
		return nil, nil, fmt.Errorf("%w: escrow %v has no escrow "+
			"output", contract.ErrInvalidState, loan.EscrowTxID)
	}
	escrowOut := escrowTx.TxOut[txbuilder.EscrowOutputIndex]

	pkScript, err := input.WitnessScriptHash(witness[len(witness)-1])
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(pkScript, escrowOut.PkScript) {
		return nil, nil, fmt.Errorf("%w: escrow script mismatch",
			contract.ErrInvalidState)
	}

	err = executeInput(
		collateralTx, 0, escrowOut.PkScript,
		btcutil.Amount(escrowOut.Value),
	)
	if err != nil {
		return nil, nil, err
	}

	signed.Accepted.DlcTransactions.Fund = collateralTx

	id, err := signed.ContractID()
	if err != nil {
		return nil, nil, err
	}
	contractLog(id).Infof("Loan contract signed, collateral tx %v",
		collateralTx.TxHash())

	return signed, collateralTx.Copy(), nil
}
