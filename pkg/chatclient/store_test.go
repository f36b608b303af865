package chatclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func confirmed(room string, id uint64, offset time.Duration) Message {
	return Message{Key: ConfirmedKey(id), RoomID: room, Text: "m", Type: "text", CreatedAt: baseTime.Add(offset)}
}

func pending(room, localID string, offset time.Duration) Message {
	return Message{Key: PendingKey(localID), RoomID: room, Text: "p", Type: "text", CreatedAt: baseTime.Add(offset)}
}

func countDurable(msgs []Message, id uint64) int {
	n := 0
	for _, m := range msgs {
		if m.Key.State == Confirmed && m.Key.ID == id {
			n++
		}
	}
	return n
}

func TestStoreDedupesAcrossIngestAndReconcile(t *testing.T) {
	store := NewStore()

	require.True(t, store.IngestRemote(confirmed("7", 100, 0)))
	require.False(t, store.IngestRemote(confirmed("7", 100, 0)))
	store.Reconcile("7", []Message{confirmed("7", 100, 0)})
	store.MergeFetched("7", []Message{confirmed("7", 100, 0), confirmed("7", 101, time.Second)})
	require.False(t, store.IngestRemote(confirmed("7", 100, 0)))

	msgs := store.Messages("7")
	require.Equal(t, 1, countDurable(msgs, 100))
	require.Len(t, msgs, 2)
}

func TestStoreReconcileRetiresEveryPendingEntry(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.AddOptimistic(pending("42", "temp-a", 0)))
	require.NoError(t, store.AddOptimistic(pending("42", "temp-b", time.Second)))
	require.NoError(t, store.AddOptimistic(pending("9", "temp-c", 0)))

	store.Reconcile("42", []Message{confirmed("42", 1, 0), confirmed("42", 2, time.Second)})

	require.Zero(t, store.PendingCount("42"))
	require.Len(t, store.Messages("42"), 2)
	require.Equal(t, 1, store.PendingCount("9"), "other rooms are untouched")
}

func TestStoreReconcileWithNoResultsStillRetiresPending(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.AddOptimistic(pending("42", "temp-a", 0)))

	store.Reconcile("42", nil)

	require.Empty(t, store.Messages("42"))
}

func TestStoreOrdersByCreatedAtRegardlessOfInsertionOrder(t *testing.T) {
	store := NewStore()
	store.IngestRemote(confirmed("1", 3, 3*time.Second))
	store.IngestRemote(confirmed("1", 1, 1*time.Second))
	require.NoError(t, store.AddOptimistic(pending("1", "temp-x", 4*time.Second)))
	store.IngestRemote(confirmed("1", 2, 2*time.Second))
	store.MergeFetched("1", []Message{confirmed("1", 0, 0)})

	msgs := store.Messages("1")
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}

	newest := store.NewestFirst("1")
	require.Equal(t, "temp-x", newest[0].Key.LocalID)
	require.Equal(t, uint64(0), newest[len(newest)-1].Key.ID)
}

func TestStoreRollbackRemovesOnlyTheAttempt(t *testing.T) {
	store := NewStore()
	store.IngestRemote(confirmed("42", 5, 0))
	require.NoError(t, store.AddOptimistic(pending("42", "temp-a", time.Second)))

	removed := store.RetirePending("42", "temp-a")

	require.Equal(t, 1, removed)
	require.Zero(t, store.PendingCount("42"))
	require.True(t, store.Contains("42", 5))
}

func TestStoreRejectsDurableOptimisticInsert(t *testing.T) {
	store := NewStore()
	require.ErrorIs(t, store.AddOptimistic(confirmed("1", 1, 0)), ErrNotPending)
	require.ErrorIs(t, store.AddOptimistic(pending("", "temp-a", 0)), ErrMissingRoom)
}

func TestStoreRemoveDurableAndStaleRooms(t *testing.T) {
	store := NewStore()
	store.IngestRemote(confirmed("7", 1, 0))
	store.IngestRemote(confirmed("7", 2, time.Second))

	require.Equal(t, 1, store.RemoveDurable("7", []uint64{1, 99}))
	require.False(t, store.Contains("7", 1))
	require.Zero(t, store.RemoveDurable("unknown", []uint64{1}))
	require.Zero(t, store.RetirePending("unknown", "temp-a"))
}

func TestStoreNotifiesListenersUntilDisposed(t *testing.T) {
	store := NewStore()
	var rooms []string
	dispose := store.OnChange(func(roomID string) { rooms = append(rooms, roomID) })

	store.IngestRemote(confirmed("7", 1, 0))
	dispose()
	store.IngestRemote(confirmed("7", 2, 0))

	require.Equal(t, []string{"7"}, rooms)
}

func TestStoreScenarioRefetchRacingBroadcast(t *testing.T) {
	store := NewStore()
	broadcast := confirmed("7", 100, 0)

	store.IngestRemote(broadcast)
	store.MergeFetched("7", []Message{confirmed("7", 99, -time.Second), broadcast})

	require.Equal(t, 1, countDurable(store.Messages("7"), 100))
}
