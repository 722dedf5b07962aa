package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/dlc"
	"github.com/lightninglabs/dlc/chain"
	"github.com/lightninglabs/dlc/utils"
	"github.com/urfave/cli"
)

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fmt.Println("unable to encode response: ", err)
		return
	}

	fmt.Println(string(b))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[dlccli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()

	app.Version = dlc.Version()
	app.Name = "dlccli"
	app.Usage = "tooling for discreet log contracts"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "network",
			Value: "regtest",
			Usage: "the bitcoin network: mainnet, testnet, " +
				"signet, regtest or simnet",
		},
		cli.StringFlag{
			Name:  "rpchost",
			Value: "localhost",
			Usage: "bitcoind rpc host[:port]",
		},
		cli.StringFlag{
			Name:  "rpcuser",
			Usage: "bitcoind rpc user",
		},
		cli.StringFlag{
			Name:  "rpcpass",
			Usage: "bitcoind rpc password",
		},
		cli.StringFlag{
			Name:  "rpcwallet",
			Usage: "bitcoind wallet to use",
		},
	}
	app.Commands = []cli.Command{
		escrowCommand, contractIDCommand, prefixesCommand,
		feeRateCommand, utxosCommand, broadcastCommand,
	}

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

func getParams(ctx *cli.Context) (*chaincfg.Params, error) {
	return utils.ChainParamsFromNetwork(ctx.GlobalString("network"))
}

func getClient(ctx *cli.Context) (*chain.Client, func(), error) {
	params, err := getParams(ctx)
	if err != nil {
		return nil, nil, err
	}

	client, err := chain.NewClient(&chain.Config{
		Host:       ctx.GlobalString("rpchost"),
		User:       ctx.GlobalString("rpcuser"),
		Pass:       ctx.GlobalString("rpcpass"),
		Wallet:     ctx.GlobalString("rpcwallet"),
		DisableTLS: true,
		Params:     params,
	})
	if err != nil {
		return nil, nil, err
	}

	return client, client.Stop, nil
}

func parseAmt(text string) (btcutil.Amount, error) {
	amtInt64, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amt value")
	}
	return btcutil.Amount(amtInt64), nil
}
