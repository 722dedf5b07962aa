package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/lightninglabs/dlc/utils"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/urfave/cli"
)

var feeRateCommand = cli.Command{
	Name:  "feerate",
	Usage: "show the node's fee estimate in sat/vB",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "conf_target",
			Value: 6,
			Usage: "the number of blocks to confirm within",
		},
	},
	Action: feeRate,
}

var utxosCommand = cli.Command{
	Name:      "utxos",
	Usage:     "show the wallet outputs that would fund an amount",
	ArgsUsage: "amt",
	Description: `
		Run coin selection against the node's wallet for the amount in
		satoshis. Outputs are not locked.`,
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "sat_per_vbyte",
			Value: 1,
			Usage: "the fee rate funding inputs are paid at",
		},
	},
	Action: utxos,
}

var broadcastCommand = cli.Command{
	Name:      "broadcast",
	Usage:     "publish a signed transaction",
	ArgsUsage: "rawtx",
	Action:    broadcast,
}

func feeRate(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rate, err := client.EstimateFeeRate(
		context.Background(), ctx.Int64("conf_target"),
	)
	if err != nil {
		return err
	}

	fmt.Println(rate)

	return nil
}

type utxoResponse struct {
	OutPoint string `json:"outpoint"`
	Amount   int64  `json:"amount_sat"`
	Address  string `json:"address"`
}

func utxos(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "utxos")
	}

	amt, err := parseAmt(ctx.Args().First())
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	selected, err := client.UtxosForAmount(
		context.Background(), amt,
		chainfee.SatPerVByte(ctx.Uint64("sat_per_vbyte")), false,
	)
	if err != nil {
		return err
	}

	resp := make([]utxoResponse, 0, len(selected))
	for _, utxo := range selected {
		resp = append(resp, utxoResponse{
			OutPoint: utxo.OutPoint.String(),
			Amount:   utxo.TxOut.Value,
			Address:  utxo.Address.EncodeAddress(),
		})
	}
	printJSON(resp)

	return nil
}

func broadcast(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "broadcast")
	}

	rawTx, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return err
	}

	tx, err := utils.DecodeTx(rawTx)
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.SendTransaction(context.Background(), tx); err != nil {
		return err
	}

	fmt.Println(tx.TxHash())

	return nil
}
