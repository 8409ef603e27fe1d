package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agentcage/agentcage/pkg/types"
)

func testEvent(session, typ string, ts time.Time) types.Event {
	return types.Event{
		ID:        uuid.NewString(),
		Timestamp: ts,
		SessionID: session,
		Type:      typ,
		Target:    "/var/lib/agentcage/jail",
		Fields:    map[string]any{"mode": "restricted"},
	}
}

func TestAppendAndQuery(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.AppendEvent(ctx, testEvent("s1", types.EventSessionAcquire, base)))
	require.NoError(t, s.AppendEvent(ctx, testEvent("s1", types.EventFilterInstalled, base.Add(time.Second))))
	require.NoError(t, s.AppendEvent(ctx, testEvent("s2", types.EventSessionAcquire, base.Add(2*time.Second))))

	got, err := s.QueryEvents(ctx, types.EventQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, types.EventSessionAcquire, got[0].Type, "ascending timestamp order")
	require.Equal(t, "restricted", got[0].Fields["mode"])

	got, err = s.QueryEvents(ctx, types.EventQuery{Type: types.EventSessionAcquire})
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = s.QueryEvents(ctx, types.EventQuery{Since: base.Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "s2", got[0].SessionID)
}

func TestQueryLimit(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, testEvent("s1", "tick", time.Now().Add(time.Duration(i)*time.Millisecond))))
	}
	got, err := s.QueryEvents(ctx, types.EventQuery{SessionID: "s1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, got, 3)
}
