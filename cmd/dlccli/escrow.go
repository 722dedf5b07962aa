package main

import (
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/dlc"
	"github.com/lightninglabs/dlc/txbuilder"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/urfave/cli"
)

var escrowCommand = cli.Command{
	Name:      "escrow",
	Usage:     "show the escrow script of a loan",
	ArgsUsage: "borrowerkey lenderkey",
	Description: `
		Print the script, output script and address locking a
		borrower's collateral for the given compressed public keys.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "hash",
			Usage: "the hex sha256 hash of the borrower preimage",
		},
		cli.StringFlag{
			Name: "preimage",
			Usage: "the hex borrower preimage, used instead of " +
				"--hash",
		},
		cli.Uint64Flag{
			Name:  "csv",
			Value: dlc.DefaultEscrowCSVDelay,
			Usage: "blocks after which the lender can claim alone",
		},
	},
	Action: escrow,
}

type escrowResponse struct {
	Script   string `json:"script"`
	PkScript string `json:"pk_script"`
	Address  string `json:"address"`
	CSVDelay uint32 `json:"csv_delay"`
}

func parsePubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(b)
}

func borrowerHash(ctx *cli.Context) (lntypes.Hash, error) {
	switch {
	case ctx.IsSet("preimage"):
		preimage, err := lntypes.MakePreimageFromStr(
			ctx.String("preimage"),
		)
		if err != nil {
			return lntypes.Hash{}, err
		}

		return preimage.Hash(), nil

	case ctx.IsSet("hash"):
		return lntypes.MakeHashFromStr(ctx.String("hash"))

	default:
		return lntypes.Hash{}, errors.New("either --hash or " +
			"--preimage required")
	}
}

func escrow(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "escrow")
	}

	args := ctx.Args()
	borrowerKey, err := parsePubKey(args.Get(0))
	if err != nil {
		return err
	}
	lenderKey, err := parsePubKey(args.Get(1))
	if err != nil {
		return err
	}

	hash, err := borrowerHash(ctx)
	if err != nil {
		return err
	}

	params, err := getParams(ctx)
	if err != nil {
		return err
	}

	script, err := txbuilder.NewEscrowScript(
		borrowerKey, lenderKey, hash, uint32(ctx.Uint64("csv")),
	)
	if err != nil {
		return err
	}

	pkScript, err := script.PkScript()
	if err != nil {
		return err
	}

	addr, err := script.Address(params)
	if err != nil {
		return err
	}

	printJSON(&escrowResponse{
		Script:   hex.EncodeToString(script.Script()),
		PkScript: hex.EncodeToString(pkScript),
		Address:  addr.EncodeAddress(),
		CSVDelay: script.CSVDelay,
	})

	return nil
}
