package test

import (
	"os"
	"runtime/pprof"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
)

// Timeout is the default timeout of a guarded test.
var Timeout = 10 * time.Second

// Guard implements a test level timeout and fails the test if goroutines
// started by it are still running when it ends.
func Guard(t *testing.T) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(Timeout):
			err := pprof.Lookup("goroutine").WriteTo(os.Stdout, 1)
			if err != nil {
				panic(err)
			}

			panic("test timeout")
		case <-done:
		}
	}()

	fn := leaktest.CheckTimeout(t, time.Second)

	return func() {
		close(done)
		fn()
	}
}
