package app

import (
	"os"
	"sync"
)

const testModeEnv = "IDENTITY_TEST_MODE"

// InTestMode reports whether IDENTITY_TEST_MODE=1 was set when first asked.
// Entrypoints return before touching PostgreSQL, Redis or SMTP in that case.
var InTestMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})
