package auditlog

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dealescrow/core/types"
)

type payloadEvent struct{ evt *types.Event }

func (e payloadEvent) EventType() string   { return e.evt.Type }
func (e payloadEvent) Event() *types.Event { return e.evt }

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreListsDealEventsInOrder(t *testing.T) {
	store := setupTestStore(t)
	for _, kind := range []string{"escrow.initiated", "escrow.funded", "escrow.disputed"} {
		store.Emit(payloadEvent{evt: &types.Event{Type: kind, Attributes: map[string]string{"id": "deal-a", "status": kind}}})
	}
	store.Emit(payloadEvent{evt: &types.Event{Type: "escrow.initiated", Attributes: map[string]string{"id": "deal-b"}}})

	records, err := store.List(context.Background(), "deal-a", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, "escrow.initiated", records[0].Type)
	require.Equal(t, "escrow.disputed", records[2].Type)
	attrs, err := records[1].Decoded()
	require.NoError(t, err)
	require.Equal(t, "escrow.funded", attrs["status"])
	require.NotEqual(t, uuid.Nil, records[0].EventID)

	limited, err := store.List(context.Background(), "deal-a", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	_, err = Open(DriverSQLite, "")
	require.Error(t, err)
}
