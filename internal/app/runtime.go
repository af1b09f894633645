package app

import (
	"os"
	"strconv"
)

// TestModeEnv is set by the test guard; binaries exit before dialing Postgres or Redis.
const TestModeEnv = "TUITION_TEST_MODE"

// InTestMode reports whether the process runs under go test.
func InTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	return on
}
