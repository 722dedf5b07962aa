package contract

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// tagContractID is the tag of the contract id hash.
var tagContractID = []byte("DLC/contract/id")

// ComputeID returns the id of a contract funded by output vout of
// fundTxID and offered under tempID.
func ComputeID(fundTxID chainhash.Hash, vout uint16,
	tempID [32]byte) [32]byte {

	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], vout)

	return *chainhash.TaggedHash(tagContractID, fundTxID[:], idx[:], tempID[:])
}

// IDString renders a contract id as 0x followed by lowercase hex.
func IDString(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

// NewTemporaryID returns a random temporary contract id.
func NewTemporaryID() ([32]byte, error) {
	var id [32]byte
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}

	return id, nil
}

// NewSerialID returns a random serial id used to order inputs and outputs.
func NewSerialID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(b[:]), nil
}
