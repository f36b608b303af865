package chatclient

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat/pkg/protocol"
)

func TestPresenceSetOnlineTwiceAnnouncesOnce(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	require.NoError(t, tracker.SetOnline(context.Background(), "u1"))
	require.NoError(t, tracker.SetOnline(context.Background(), "u1"))

	require.Equal(t, 1, link.count(protocol.EventSetUserOnline))
	require.Equal(t, 1, link.count(protocol.EventIdentify))
}

func TestPresenceDropsRequestsWhileTransitionInFlight(t *testing.T) {
	link := newFakeLink()
	link.entered = make(chan struct{})
	link.release = make(chan struct{})
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	done := make(chan error, 1)
	go func() { done <- tracker.SetOnline(context.Background(), "") }()
	<-link.entered

	require.NoError(t, tracker.SetOnline(context.Background(), ""))
	require.NoError(t, tracker.SetOffline(context.Background(), ""))

	close(link.release)
	require.NoError(t, <-done)

	require.Equal(t, 1, link.connectCalls)
	require.Equal(t, 1, link.count(protocol.EventSetUserOnline))
	require.Zero(t, link.count(protocol.EventSetUserOffline))
}

func TestPresenceWithoutIdentityIsNoop(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, NewSession(), zerolog.Nop())
	defer tracker.Close()

	require.NoError(t, tracker.SetOnline(context.Background(), ""))
	require.Zero(t, link.connectCalls)
	require.Empty(t, link.emitted)
}

func TestPresenceConnectsBeforeAnnouncingOnline(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()
	require.False(t, link.IsConnected())

	require.NoError(t, tracker.SetOnline(context.Background(), ""))

	require.Equal(t, 1, link.connectCalls)
	require.Equal(t, 1, link.count(protocol.EventSetUserOnline))
	online := link.emitted[len(link.emitted)-1].(protocol.SetUserOnline)
	require.Equal(t, "u1", online.UserID)
}

func TestPresenceOfflineSkipsEmitWhenDisconnected(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	require.NoError(t, tracker.SetOffline(context.Background(), ""))
	require.Empty(t, link.emitted)

	link.connected = true
	require.NoError(t, tracker.AppStateChanged(context.Background(), AppBackground))
	require.Equal(t, 1, link.count(protocol.EventSetUserOffline))
}

func TestPresenceForegroundAfterBackgroundAnnouncesAgain(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()
	ctx := context.Background()

	require.NoError(t, tracker.AppStateChanged(ctx, AppForeground))
	require.NoError(t, tracker.AppStateChanged(ctx, AppBackground))
	require.NoError(t, tracker.AppStateChanged(ctx, AppForeground))

	require.Equal(t, 2, link.count(protocol.EventSetUserOnline))
	require.Equal(t, 1, link.count(protocol.EventSetUserOffline))
}

func TestPresenceReannouncesAndRejoinsAfterReconnect(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()
	ctx := context.Background()

	require.NoError(t, tracker.SetOnline(ctx, ""))
	require.NoError(t, tracker.JoinRoom(ctx, "7"))
	require.Equal(t, 1, link.count(protocol.EventJoinRoom))

	link.fire(LifecycleEvent{Name: EventDisconnect, Generation: 1})
	link.conn.generation = 2
	link.fire(LifecycleEvent{Name: EventConnect, Generation: 2})

	require.Equal(t, 2, link.count(protocol.EventSetUserOnline))
	require.Equal(t, 2, link.count(protocol.EventIdentify))
	require.Equal(t, 2, link.count(protocol.EventJoinRoom))
}

func TestPresenceLeaveRoomStopsRejoining(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()
	ctx := context.Background()

	require.NoError(t, tracker.JoinRoom(ctx, "7"))
	require.NoError(t, tracker.LeaveRoom(ctx, "7"))
	require.Empty(t, tracker.JoinedRooms())

	link.fire(LifecycleEvent{Name: EventConnect, Generation: 2})
	require.Equal(t, 1, link.count(protocol.EventJoinRoom))
	require.Equal(t, 1, link.count(protocol.EventLeaveRoom))
}

func TestPresenceCloseDisposesSubscriptions(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	require.Equal(t, 1, link.subscribers(EventConnect))

	tracker.Close()

	require.Zero(t, link.subscribers(EventConnect))
	require.Zero(t, link.subscribers(EventDisconnect))
}

func TestPresenceJoinWithoutConnectionReportsError(t *testing.T) {
	link := newFakeLink()
	link.dialable = false
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, tracker.JoinRoom(ctx, "7"), ErrNotConnected)
	require.Equal(t, []string{"7"}, tracker.JoinedRooms())
}

func TestPresenceAnnouncesConnectThatLandsDuringSetOnline(t *testing.T) {
	link := newFakeLink()
	link.entered = make(chan struct{})
	link.release = make(chan struct{})
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	done := make(chan error, 1)
	go func() { done <- tracker.SetOnline(context.Background(), "") }()
	<-link.entered

	// The dial finishes in the background while SetOnline still sees a disconnected link.
	link.mu.Lock()
	link.connected = true
	link.connectedAnswers = []bool{false}
	link.mu.Unlock()
	link.fire(LifecycleEvent{Name: EventConnect, Generation: 1})
	require.Zero(t, link.count(protocol.EventSetUserOnline))

	close(link.release)
	require.NoError(t, <-done)

	require.Equal(t, 1, link.count(protocol.EventSetUserOnline))
	require.Equal(t, 1, link.count(protocol.EventIdentify))
}

func TestPresenceConnectDuringSetOnlineAnnouncesOnce(t *testing.T) {
	link := newFakeLink()
	link.entered = make(chan struct{})
	link.release = make(chan struct{})
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	done := make(chan error, 1)
	go func() { done <- tracker.SetOnline(context.Background(), "") }()
	<-link.entered

	link.fire(LifecycleEvent{Name: EventConnect, Generation: 1})
	close(link.release)
	require.NoError(t, <-done)

	require.Equal(t, 1, link.count(protocol.EventSetUserOnline))
}

func TestPresenceConnectDuringSetOfflineStaysOffline(t *testing.T) {
	link := newFakeLink()
	tracker := NewPresenceTracker(link, authenticatedSession("u1"), zerolog.Nop())
	defer tracker.Close()

	link.Connect(context.Background())
	require.True(t, tracker.begin(phaseSettingOffline, false))
	link.fire(LifecycleEvent{Name: EventConnect, Generation: 1})
	tracker.end()

	require.Zero(t, link.count(protocol.EventSetUserOnline))
}
