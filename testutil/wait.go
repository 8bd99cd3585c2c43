// Package testutil provides small polling and logging helpers shared
// across this module's tests, reconstructed from the teacher's
// testutil.WaitForResult call-site contract (the teacher's own
// implementation wasn't part of the retrieved source).
package testutil

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

// WaitForResult polls test until it reports success, retrying every
// 10ms up to a 5s total budget. On timeout it invokes fail with the
// last error observed. Use this instead of a bare time.Sleep whenever
// a test must wait for a concurrent goroutine to reach some
// observable state.
func WaitForResult(test func() (bool, error), fail func(err error)) {
	var err error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		ok, err = test()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	fail(err)
}

// HCLogger returns a logger that writes to t.Log at debug level,
// suitable for passing to driver.Config/harness.Config in tests that
// want to see the ambient log output on failure.
func HCLogger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Debug,
		Output: testWriter{t},
	})
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
