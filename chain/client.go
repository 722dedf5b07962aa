package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	rpc "github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// minConfs is the number of confirmations a wallet output needs to
	// be selected for funding.
	minConfs = 1

	// maxConfs bounds the listunspent query.
	maxConfs = 9999999
)

var (
	// ErrInsufficientFunds is returned when the wallet cannot cover an
	// amount with its spendable outputs.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInputIndex is returned when a psbt input index is out of range.
	ErrInputIndex = errors.New("psbt input index out of range")
)

// Client is a Wallet and Blockchain backed by the JSON-RPC interface of a
// bitcoind node.
type Client struct {
	rpc    *rpc.Client
	params *chaincfg.Params
}

// NewClient connects to the node described by cfg.
func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host := cfg.Host
	if cfg.Wallet != "" {
		host = fmt.Sprintf("%s/wallet/%s", host, cfg.Wallet)
	}

	connConfig := &rpc.ConnConfig{
		Host:         host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		Params:       cfg.Params.Name,
		DisableTLS:   cfg.DisableTLS,
		HTTPPostMode: true,
	}
	client, err := rpc.New(connConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("rpc connect: %w", err)
	}

	log.Infof("Connected to bitcoind at %v (%v)", cfg.Host,
		cfg.Params.Name)

	return &Client{
		rpc:    client,
		params: cfg.Params,
	}, nil
}

// Stop closes the connection to the node.
func (c *Client) Stop() {
	c.rpc.Shutdown()
	c.rpc.WaitForShutdown()
}

// receive waits for an rpc result unless ctx is canceled first.
func receive[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	resultChan := make(chan result, 1)
	go func() {
		val, err := f()
		resultChan <- result{val: val, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.val, res.err

	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetTransaction returns the transaction with the given id. The node needs
// txindex for transactions not belonging to its wallet.
func (c *Client) GetTransaction(ctx context.Context,
	txid *chainhash.Hash) (*wire.MsgTx, error) {

	tx, err := receive(ctx, c.rpc.GetRawTransactionAsync(txid).Receive)
	if err != nil {
		return nil, fmt.Errorf("getrawtransaction %v: %w", txid, err)
	}

	return tx.MsgTx(), nil
}

// SendTransaction broadcasts tx.
func (c *Client) SendTransaction(ctx context.Context, tx *wire.MsgTx) error {
	hash, err := receive(
		ctx, c.rpc.SendRawTransactionAsync(tx, false).Receive,
	)
	if err != nil {
		return fmt.Errorf("sendrawtransaction %v: %w", tx.TxHash(), err)
	}

	log.Infof("Published transaction %v", hash)

	return nil
}

// NewAddress returns a fresh bech32 wallet address.
func (c *Client) NewAddress(ctx context.Context) (btcutil.Address, error) {
	return c.newAddress(ctx, "getnewaddress", `""`)
}

// NewChangeAddress returns a fresh bech32 wallet change address.
func (c *Client) NewChangeAddress(ctx context.Context) (btcutil.Address,
	error) {

	return c.newAddress(ctx, "getrawchangeaddress")
}

// newAddress calls an address rpc manually as the rpcclient versions pass
// the account parameter removed in bitcoind 0.15.
func (c *Client) newAddress(ctx context.Context, method string,
	leading ...string) (btcutil.Address, error) {

	params := make([]json.RawMessage, 0, len(leading)+1)
	for _, p := range leading {
		params = append(params, json.RawMessage(p))
	}
	params = append(params, json.RawMessage(`"bech32"`))

	rawResp, err := receive(ctx, c.rpc.RawRequestAsync(
		method, params,
	).Receive)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", method, err)
	}

	var addrStr string
	if err := json.Unmarshal(rawResp, &addrStr); err != nil {
		return nil, err
	}

	return decodeAddress(addrStr, c.params)
}

// decodeAddress parses addrStr and checks it belongs to params.
func decodeAddress(addrStr string, params *chaincfg.Params) (btcutil.Address,
	error) {

	addr, err := btcutil.DecodeAddress(addrStr, params)
	if err != nil {
		return nil, err
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %v is not intended for use "+
			"on %v", addrStr, params.Name)
	}

	return addr, nil
}

// UtxosForAmount selects confirmed wallet outputs covering amt plus the fee
// of spending them at feeRate. Selected outputs are locked in the wallet
// when lock is set.
func (c *Client) UtxosForAmount(ctx context.Context, amt btcutil.Amount,
	feeRate chainfee.SatPerVByte, lock bool) ([]*txbuilder.Utxo, error) {

	unspent, err := receive(ctx, c.rpc.ListUnspentMinMaxAsync(
		minConfs, maxConfs,
	).Receive)
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}

	utxos, err := selectUtxos(unspent, amt, feeRate, c.params)
	if err != nil {
		return nil, err
	}

	if !lock {
		return utxos, nil
	}

	outpoints := make([]*wire.OutPoint, len(utxos))
	for i, utxo := range utxos {
		outpoints[i] = &utxo.OutPoint
		utxo.Reserved = true
	}

	_, err = receive(ctx, func() (struct{}, error) {
		return struct{}{}, c.rpc.LockUnspentAsync(
			false, outpoints,
		).Receive()
	})
	if err != nil {
		return nil, fmt.Errorf("lockunspent: %w", err)
	}

	log.Debugf("Locked %d outputs for %v", len(utxos), amt)

	return utxos, nil
}

// selectUtxos picks spendable outputs in the order given until their value
// covers amt and the fee of the inputs spending them.
func selectUtxos(unspent []btcjson.ListUnspentResult, amt btcutil.Amount,
	feeRate chainfee.SatPerVByte, params *chaincfg.Params) (
	[]*txbuilder.Utxo, error) {

	inputFee, err := txbuilder.WeightToFee(
		txbuilder.TxInputBaseWeight+txbuilder.P2WPKHWitnessSize,
		feeRate,
	)
	if err != nil {
		return nil, err
	}

	var (
		selected []*txbuilder.Utxo
		total    btcutil.Amount
		target   = amt
	)
	for _, result := range unspent {
		if total >= target {
			break
		}
		if !result.Spendable {
			continue
		}

		utxo, err := utxoFromResult(result, params)
		if err != nil {
			return nil, err
		}

		selected = append(selected, utxo)
		total += btcutil.Amount(utxo.TxOut.Value)
		target += inputFee
	}

	if total < target {
		return nil, fmt.Errorf("%w: have %v, need %v",
			ErrInsufficientFunds, total, target)
	}

	return selected, nil
}

// utxoFromResult converts a listunspent entry.
func utxoFromResult(result btcjson.ListUnspentResult,
	params *chaincfg.Params) (*txbuilder.Utxo, error) {

	hash, err := chainhash.NewHashFromStr(result.TxID)
	if err != nil {
		return nil, err
	}

	pkScript, err := decodeHex(result.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("script of %v:%d: %w", result.TxID,
			result.Vout, err)
	}

	redeemScript, err := decodeHex(result.RedeemScript)
	if err != nil {
		return nil, fmt.Errorf("redeem script of %v:%d: %w",
			result.TxID, result.Vout, err)
	}

	value, err := btcutil.NewAmount(result.Amount)
	if err != nil {
		return nil, err
	}

	addr, err := decodeAddress(result.Address, params)
	if err != nil {
		return nil, err
	}

	return &txbuilder.Utxo{
		TxOut: wire.NewTxOut(int64(value), pkScript),
		OutPoint: wire.OutPoint{
			Hash:  *hash,
			Index: result.Vout,
		},
		Address:      addr,
		RedeemScript: redeemScript,
	}, nil
}

// UnreserveUtxos unlocks outputs locked by UtxosForAmount.
func (c *Client) UnreserveUtxos(ctx context.Context,
	outpoints []wire.OutPoint) error {

	if len(outpoints) == 0 {
		return nil
	}

	ops := make([]*wire.OutPoint, len(outpoints))
	for i := range outpoints {
		ops[i] = &outpoints[i]
	}

	_, err := receive(ctx, func() (struct{}, error) {
		return struct{}{}, c.rpc.LockUnspentAsync(true, ops).Receive()
	})
	if err != nil {
		return fmt.Errorf("lockunspent: %w", err)
	}

	return nil
}

// processPsbtResponse is the result of walletprocesspsbt.
type processPsbtResponse struct {
	Psbt     string `json:"psbt"`
	Complete bool   `json:"complete"`
}

// SignPsbtInput lets the wallet sign and finalize the packet, then copies
// the final scripts of input idx into packet. Inputs the wallet cannot sign
// are left untouched.
func (c *Client) SignPsbtInput(ctx context.Context, packet *psbt.Packet,
	idx int) error {

	if idx < 0 || idx >= len(packet.Inputs) {
		return fmt.Errorf("%w: %d", ErrInputIndex, idx)
	}

	encoded, err := packet.B64Encode()
	if err != nil {
		return err
	}
	param, err := json.Marshal(encoded)
	if err != nil {
		return err
	}

	// psbt, sign, sighashtype, bip32derivs, finalize.
	params := []json.RawMessage{
		param, json.RawMessage(`true`), json.RawMessage(`"ALL"`),
		json.RawMessage(`true`), json.RawMessage(`true`),
	}
	rawResp, err := receive(ctx, c.rpc.RawRequestAsync(
		"walletprocesspsbt", params,
	).Receive)
	if err != nil {
		return fmt.Errorf("walletprocesspsbt: %w", err)
	}

	var resp processPsbtResponse
	if err := json.Unmarshal(rawResp, &resp); err != nil {
		return err
	}

	return copyFinalInput(packet, resp.Psbt, idx)
}

// copyFinalInput copies the final scripts of input idx from the base64
// packet signed into packet.
func copyFinalInput(packet *psbt.Packet, signed string, idx int) error {
	processed, err := psbt.NewFromRawBytes(strings.NewReader(signed), true)
	if err != nil {
		return fmt.Errorf("decode signed psbt: %w", err)
	}

	if processed.UnsignedTx.TxHash() != packet.UnsignedTx.TxHash() {
		return fmt.Errorf("wallet returned psbt for tx %v, want %v",
			processed.UnsignedTx.TxHash(),
			packet.UnsignedTx.TxHash())
	}
	if idx >= len(processed.Inputs) {
		return fmt.Errorf("%w: %d", ErrInputIndex, idx)
	}

	in := processed.Inputs[idx]
	if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
		log.Debugf("Wallet did not sign input %d of %v", idx,
			packet.UnsignedTx.TxHash())

		return nil
	}

	packet.Inputs[idx].FinalScriptWitness = in.FinalScriptWitness
	packet.Inputs[idx].FinalScriptSig = in.FinalScriptSig

	return nil
}

// SignRawTransaction signs every input of tx that spends a wallet output.
func (c *Client) SignRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, error) {

	type signResult struct {
		tx       *wire.MsgTx
		complete bool
	}

	res, err := receive(ctx, func() (signResult, error) {
		signed, complete, err := c.rpc.SignRawTransactionWithWalletAsync(
			tx,
		).Receive()

		return signResult{tx: signed, complete: complete}, err
	})
	if err != nil {
		return nil, fmt.Errorf("signrawtransactionwithwallet: %w", err)
	}

	if !res.complete {
		log.Debugf("Transaction %v is not fully signed",
			res.tx.TxHash())
	}

	return res.tx, nil
}

// EstimateFeeRate returns the smart fee estimate for confirmation within
// confTarget blocks.
func (c *Client) EstimateFeeRate(ctx context.Context,
	confTarget int64) (chainfee.SatPerVByte, error) {

	mode := btcjson.EstimateModeConservative
	res, err := receive(ctx, c.rpc.EstimateSmartFeeAsync(
		confTarget, &mode,
	).Receive)
	if err != nil {
		return 0, fmt.Errorf("estimatesmartfee: %w", err)
	}

	if res.FeeRate == nil {
		return 0, fmt.Errorf("no fee estimate: %v", res.Errors)
	}

	return feeRateFromBtcPerKvB(*res.FeeRate)
}

// feeRateFromBtcPerKvB converts a bitcoind BTC/kvB rate, rounding up.
func feeRateFromBtcPerKvB(rate float64) (chainfee.SatPerVByte, error) {
	perKvB, err := btcutil.NewAmount(rate)
	if err != nil {
		return 0, err
	}

	return chainfee.SatPerVByte((perKvB + 999) / 1000), nil
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}

	return hex.DecodeString(s)
}
