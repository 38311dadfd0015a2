package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guardkit/agentbridge/coreengine/envelope"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func decodeFile(t *testing.T, path string) *envelope.Decoded {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := envelope.DecodeResponse(data, path)
	require.NoError(t, err)
	return decoded
}
