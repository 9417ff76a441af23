package auditlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradeflow/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendAndList(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.Append(ctx, ledger.AuditEntry{
		EntityType: "trade", EntityID: "t-1", Action: "create", ToStatus: "CREATED", Version: 1, At: at,
	}))
	require.NoError(t, s.Append(ctx, ledger.AuditEntry{
		EntityType: "trade", EntityID: "t-1", Action: "order_placed", FromStatus: "CREATED", ToStatus: "PENDING",
		Version: 2, Detail: map[string]any{"broker_order_id": "b-1"},
	}))
	require.NoError(t, s.Append(ctx, ledger.AuditEntry{EntityType: "trade", EntityID: "t-2", Action: "create"}))

	entries, err := s.List(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "create", entries[0].Action)
	assert.Equal(t, "", entries[0].FromStatus)
	assert.True(t, entries[0].At.Equal(at))
	assert.Equal(t, "PENDING", entries[1].ToStatus)
	assert.Equal(t, "b-1", entries[1].Detail["broker_order_id"])
	assert.Less(t, entries[0].ID, entries[1].ID)
}

func TestStore_RejectsIncompleteEntry(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.Error(t, s.Append(context.Background(), ledger.AuditEntry{Action: "create"}))
}

func TestStore_ClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Error(t, s.Append(context.Background(), ledger.AuditEntry{EntityType: "trade", EntityID: "t", Action: "x"}))
}
