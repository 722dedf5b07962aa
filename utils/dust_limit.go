package utils

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/wire"
)

// DustLimitForPkScript returns the dust limit for a given pkScript. An output
// must be greater or equal to this value.
func DustLimitForPkScript(pkscript []byte) btcutil.Amount {
	return btcutil.Amount(mempool.GetDustThreshold(&wire.TxOut{
		PkScript: pkscript,
	}))
}

// IsDust returns true if the output value is below the dust limit of its
// script. Outputs with an empty script are always dust.
func IsDust(out *wire.TxOut) bool {
	if len(out.PkScript) == 0 {
		return true
	}

	return btcutil.Amount(out.Value) < DustLimitForPkScript(out.PkScript)
}
