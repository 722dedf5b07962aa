package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/dlc/contract"
	"github.com/lightninglabs/dlc/payout"
	"github.com/urfave/cli"
)

var contractIDCommand = cli.Command{
	Name:      "contractid",
	Usage:     "compute the id of a funded contract",
	ArgsUsage: "fundtxid vout tempid",
	Description: `
		Derive the contract id from the funding transaction id, the
		index of the funding output and the hex temporary id of the
		offer.`,
	Action: contractID,
}

var prefixesCommand = cli.Command{
	Name:      "prefixes",
	Usage:     "list the digit prefixes covering a value range",
	ArgsUsage: "start end",
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "base",
			Value: 2,
			Usage: "the base of the oracle digits",
		},
		cli.IntFlag{
			Name:  "digits",
			Value: 20,
			Usage: "the number of digits the oracle attests",
		},
	},
	Action: prefixes,
}

func parseTempID(s string) ([32]byte, error) {
	var id [32]byte

	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("temporary id must be %d bytes",
			len(id))
	}
	copy(id[:], b)

	return id, nil
}

func contractID(ctx *cli.Context) error {
	if ctx.NArg() != 3 {
		return cli.ShowCommandHelp(ctx, "contractid")
	}

	args := ctx.Args()
	txid, err := chainhash.NewHashFromStr(args.Get(0))
	if err != nil {
		return err
	}

	vout, err := strconv.ParseUint(args.Get(1), 10, 16)
	if err != nil {
		return fmt.Errorf("invalid vout: %w", err)
	}

	tempID, err := parseTempID(args.Get(2))
	if err != nil {
		return err
	}

	id := contract.ComputeID(*txid, uint16(vout), tempID)
	fmt.Println(contract.IDString(id))

	return nil
}

func prefixes(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "prefixes")
	}

	args := ctx.Args()
	start, err := strconv.ParseUint(args.Get(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid start: %w", err)
	}
	end, err := strconv.ParseUint(args.Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid end: %w", err)
	}

	base := ctx.Uint64("base")
	nbDigits := ctx.Int("digits")
	if start > end {
		return fmt.Errorf("start %d above end %d", start, end)
	}

	desc := &payout.NumericalDescriptor{Base: base, NbDigits: nbDigits}
	maxValue, err := desc.MaxValue()
	if err != nil {
		return err
	}
	if end > maxValue {
		return fmt.Errorf("end %d above max value %d", end, maxValue)
	}

	printJSON(payout.DigitPrefixes(start, end, base, nbDigits))

	return nil
}
