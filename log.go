package dlc

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/build"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "DLC"

// log is a logger that is initialized with no output filters.  This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output.  Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.  This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ContractLog logs with a short contract id prefix.
type ContractLog struct {
	// Logger is the underlying based logger.
	Logger btclog.Logger

	// ID is the temporary or final id of the target contract.
	ID [32]byte
}

func (c *ContractLog) prefix(format string) string {
	return fmt.Sprintf("%v %s", ShortID(c.ID), format)
}

// Debugf formats message according to format specifier and writes to
// log with LevelDebug.
func (c *ContractLog) Debugf(format string, params ...interface{}) {
	c.Logger.Debugf(c.prefix(format), params...)
}

// Infof formats message according to format specifier and writes to
// log with LevelInfo.
func (c *ContractLog) Infof(format string, params ...interface{}) {
	c.Logger.Infof(c.prefix(format), params...)
}

// Warnf formats message according to format specifier and writes to
// to log with LevelWarn.
func (c *ContractLog) Warnf(format string, params ...interface{}) {
	c.Logger.Warnf(c.prefix(format), params...)
}

// Tracef formats message according to format specifier and writes to
// to log with LevelTrace.
func (c *ContractLog) Tracef(format string, params ...interface{}) {
	c.Logger.Tracef(c.prefix(format), params...)
}

// ShortID returns a shortened version of a contract id suitable for use in
// logging.
func ShortID(id [32]byte) string {
	return hex.EncodeToString(id[:3])
}

func contractLog(id [32]byte) *ContractLog {
	return &ContractLog{Logger: log, ID: id}
}
