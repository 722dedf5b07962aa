package dlc

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/dlcmsg"
	"github.com/lightninglabs/dlc/signer"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// partyParams selects wallet funds for collateral and returns the party's
// parameters with the funding inputs to send to the counterparty. A zero
// collateral selects no funds.
func (m *Manager) partyParams(ctx context.Context, s signer.ContractSigner,
	collateral btcutil.Amount,
	feeRate chainfee.SatPerVByte) (*txbuilder.PartyParams,
	[]dlcmsg.FundingInput, error) {

	payoutAddr, err := m.cfg.Wallet.NewAddress(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("payout address: %w", err)
	}
	changeAddr, err := m.cfg.Wallet.NewChangeAddress(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("change address: %w", err)
	}

	payoutScript, err := txscript.PayToAddrScript(payoutAddr)
	if err != nil {
		return nil, nil, err
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, nil, err
	}

	payoutSerialID, err := contract.NewSerialID()
	if err != nil {
		return nil, nil, err
	}
	changeSerialID, err := contract.NewSerialID()
	if err != nil {
		return nil, nil, err
	}

	params := &txbuilder.PartyParams{
		FundPubKey:     s.PubKey(),
		ChangeScript:   changeScript,
		ChangeSerialID: changeSerialID,
		PayoutScript:   payoutScript,
		PayoutSerialID: payoutSerialID,
		Collateral:     collateral,
	}

	if collateral == 0 {
		return params, nil, nil
	}

	required, err := txbuilder.RequiredFunding(collateral, feeRate)
	if err != nil {
		return nil, nil, err
	}

	utxos, err := m.cfg.Wallet.UtxosForAmount(ctx, required, feeRate, true)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to select funds for %v: %w",
			required, err)
	}

	fundingInputs, err := m.fundingInputs(ctx, utxos)
	if err != nil {
		m.unreserve(ctx, utxos)
		return nil, nil, err
	}

	inputs, inputAmount, err := dlcmsg.FundingInputsInfo(fundingInputs)
	if err != nil {
		m.unreserve(ctx, utxos)
		return nil, nil, err
	}
	params.Inputs = inputs
	params.InputAmount = inputAmount

	return params, fundingInputs, nil
}

// fundingInputs attaches the previous transaction of every utxo.
func (m *Manager) fundingInputs(ctx context.Context,
	utxos []*txbuilder.Utxo) ([]dlcmsg.FundingInput, error) {

	inputs := make([]dlcmsg.FundingInput, 0, len(utxos))
	for _, utxo := range utxos {
		prevTx, err := m.cfg.Blockchain.GetTransaction(
			ctx, &utxo.OutPoint.Hash,
		)
		if err != nil {
			return nil, fmt.Errorf("previous tx of %v: %w",
				utxo.OutPoint, err)
		}

		serialID, err := contract.NewSerialID()
		if err != nil {
			return nil, err
		}

		inputs = append(inputs, dlcmsg.FundingInput{
			InputSerialID: serialID,
			PrevTx:        prevTx,
			PrevTxVout:    utxo.OutPoint.Index,
			Sequence:      wire.MaxTxInSequenceNum,
			MaxWitnessLen: txbuilder.P2WPKHWitnessSize,
			RedeemScript:  utxo.RedeemScript,
		})
	}

	return inputs, nil
}

func (m *Manager) unreserve(ctx context.Context, utxos []*txbuilder.Utxo) {
	outpoints := make([]wire.OutPoint, len(utxos))
	for i, utxo := range utxos {
		outpoints[i] = utxo.OutPoint
	}

	if err := m.cfg.Wallet.UnreserveUtxos(ctx, outpoints); err != nil {
		log.Warnf("Unable to unreserve %d utxos: %v", len(outpoints),
			err)
	}
}

// fundingPacket returns a PSBT of fund with the previous outputs of all
// funding inputs attached.
func fundingPacket(fund *wire.MsgTx,
	inputs ...[]dlcmsg.FundingInput) (*psbt.Packet, error) {

	unsigned := fund.Copy()
	for _, in := range unsigned.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}

	packet, err := psbt.NewFromUnsignedTx(unsigned)
	if err != nil {
		return nil, err
	}

	for _, set := range inputs {
		for i := range set {
			in := &set[i]
			idx, err := inputIndex(fund, in)
			if err != nil {
				return nil, err
			}

			prevOut, err := in.PrevOut()
			if err != nil {
				return nil, err
			}

			packet.Inputs[idx].WitnessUtxo = prevOut
			packet.Inputs[idx].SighashType = txscript.SigHashAll
			if len(in.RedeemScript) > 0 {
				packet.Inputs[idx].RedeemScript = in.RedeemScript
			}
		}
	}

	return packet, nil
}

// signFundingInputs has the wallet sign own inputs of fund and returns their
// witnesses in the order of own.
func (m *Manager) signFundingInputs(ctx context.Context, fund *wire.MsgTx,
	own, other []dlcmsg.FundingInput) ([]dlcmsg.FundingSignature, error) {

	if len(own) == 0 {
		return nil, nil
	}

	packet, err := fundingPacket(fund, own, other)
	if err != nil {
		return nil, err
	}

	sigs := make([]dlcmsg.FundingSignature, 0, len(own))
	for i := range own {
		idx, err := inputIndex(fund, &own[i])
		if err != nil {
			return nil, err
		}

		if err := m.cfg.Wallet.SignPsbtInput(ctx, packet, idx); err != nil {
			return nil, fmt.Errorf("unable to sign funding input "+
				"%d: %w", idx, err)
		}

		witness, err := parseWitness(packet.Inputs[idx].FinalScriptWitness)
		if err != nil {
			return nil, err
		}
		if len(witness) == 0 {
			return nil, fmt.Errorf("%w: wallet left funding input "+
				"%d unsigned", contract.ErrInvalidState, idx)
		}

		sigs = append(sigs, dlcmsg.FundingSignature{
			WitnessElements: witness,
		})
	}

	return sigs, nil
}

// applyFundingSignatures sets the witnesses of inputs on fund.
func applyFundingSignatures(fund *wire.MsgTx, inputs []dlcmsg.FundingInput,
	sigs []dlcmsg.FundingSignature) error {

	if len(sigs) != len(inputs) {
		return fmt.Errorf("%w: %d funding signatures for %d inputs",
			contract.ErrInvalidState, len(sigs), len(inputs))
	}

	for i := range inputs {
		idx, err := inputIndex(fund, &inputs[i])
		if err != nil {
			return err
		}

		fund.TxIn[idx].Witness = wire.TxWitness(sigs[i].WitnessElements)
	}

	return nil
}

// verifyFundingInputs executes the scripts of inputs on a fully signed fund
// transaction.
func verifyFundingInputs(fund *wire.MsgTx,
	inputs ...[]dlcmsg.FundingInput) error {

	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	for _, set := range inputs {
		for i := range set {
			prevOut, err := set[i].PrevOut()
			if err != nil {
				return err
			}
			prevOuts.AddPrevOut(wire.OutPoint{
				Hash:  set[i].PrevTx.TxHash(),
				Index: set[i].PrevTxVout,
			}, prevOut)
		}
	}

	sigHashes := txscript.NewTxSigHashes(fund, prevOuts)
	for idx, in := range fund.TxIn {
		prevOut := prevOuts.FetchPrevOutput(in.PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("%w: unknown funding input %v",
				contract.ErrInvalidState, in.PreviousOutPoint)
		}

		vm, err := txscript.NewEngine(
			prevOut.PkScript, fund, idx,
			txscript.StandardVerifyFlags, nil, sigHashes,
			prevOut.Value, prevOuts,
		)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: funding input %d: %v",
				txbuilder.ErrInvalidSignature, idx, err)
		}
	}

	return nil
}

func inputIndex(tx *wire.MsgTx, in *dlcmsg.FundingInput) (int, error) {
	if in.PrevTx == nil {
		return 0, fmt.Errorf("%w: funding input %d has no previous tx",
			dlcmsg.ErrInvalidMessage, in.InputSerialID)
	}

	op := wire.OutPoint{Hash: in.PrevTx.TxHash(), Index: in.PrevTxVout}
	for i, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == op {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: funding input %v not in funding "+
		"transaction", contract.ErrInvalidState, op)
}

// parseWitness decodes a serialized witness stack.
func parseWitness(b []byte) (wire.TxWitness, error) {
	if len(b) == 0 {
		return nil, nil
	}

	r := bytes.NewReader(b)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}

	witness := make(wire.TxWitness, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "witness item",
		)
		if err != nil {
			return nil, err
		}
		witness = append(witness, item)
	}

	return witness, nil
}
