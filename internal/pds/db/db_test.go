package db

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

var (
	setupOnce sync.Once
	sharedDB  *DB
	setupErr  error
)

// testDB returns a DB handle shared by every test in this package. FDB
// clients are process-wide singletons, so opening one database per test would
// trip the bindings' single-network-thread restriction.
func testDB(t *testing.T) *DB {
	t.Helper()

	setupOnce.Do(func() {
		sharedDB, setupErr = New(otel.Tracer("test"), Config{
			ClusterFile: "../../../foundation.cluster",
			APIVersion:  730,
		})
	})
	require.NoError(t, setupErr)
	require.NotNil(t, sharedDB)

	return sharedDB
}
