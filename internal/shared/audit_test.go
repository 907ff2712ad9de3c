package shared

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOccurredAtEncodesZeroAsNull(t *testing.T) {
	require.False(t, occurredAt(time.Time{}).Valid)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	encoded := occurredAt(at)
	require.True(t, encoded.Valid)
	require.Equal(t, at, encoded.Time)
}
