// Package guard pins the environment of test binaries so that nothing loaded from
// the environment can reach a live slip provider. Import it for side effects.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode marks a process as running under go test.
const EnvTestMode = "TUITION_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
		_ = os.Setenv("SLIP_PROVIDER", "none")
		_ = os.Setenv("MIDTRANS_PRODUCTION", "false")
	})
}

// Active reports whether the guard ran.
func Active() bool {
	return os.Getenv(EnvTestMode) != ""
}
