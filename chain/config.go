package chain

import (
	"errors"
	"net"

	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrMissingHost is returned when no RPC host is configured.
	ErrMissingHost = errors.New("bitcoind rpc host not set")

	// ErrMissingParams is returned when no network is configured.
	ErrMissingParams = errors.New("chain params not set")
)

// Config holds the connection settings of a bitcoind node.
type Config struct {
	// Host is the host:port of the bitcoind RPC server. When the port is
	// omitted the default RPC port of Params is used.
	Host string

	// User and Pass authenticate against the RPC server.
	User string
	Pass string

	// Wallet selects a named wallet of a multi wallet node.
	Wallet string

	// DisableTLS connects over plain HTTP.
	DisableTLS bool

	// Params is the network bitcoind runs on.
	Params *chaincfg.Params
}

// rpcPorts are the default bitcoind RPC ports per network.
var rpcPorts = map[string]string{
	chaincfg.MainNetParams.Name:       "8332",
	chaincfg.TestNet3Params.Name:      "18332",
	chaincfg.RegressionNetParams.Name: "18443",
	chaincfg.SigNetParams.Name:        "38332",
	chaincfg.SimNetParams.Name:        "18554",
}

// Validate checks the config and fills in the default port.
func (c *Config) Validate() error {
	if c.Host == "" {
		return ErrMissingHost
	}
	if c.Params == nil {
		return ErrMissingParams
	}

	c.Host = normalizeAddress(c.Host, rpcPorts[c.Params.Name])

	return nil
}

// normalizeAddress appends defaultPort to addr if it carries no port.
func normalizeAddress(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}
