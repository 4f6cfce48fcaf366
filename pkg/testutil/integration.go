package testutil

import (
	"os"
	"testing"
)

// IntegrationTest skips the test in short mode or when env is unset and
// returns the value of env otherwise. Integration tests read their
// connection settings from the environment, e.g.
//
//	TABLEMIRROR_TEST_POSTGRES=postgres://user:pw@localhost:5432/db go test ./...
func IntegrationTest(t *testing.T, env string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	v := os.Getenv(env)
	if v == "" {
		t.Skipf("Skipping integration test, %s is not set", env)
	}
	return v
}
