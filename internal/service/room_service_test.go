package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoomServiceAuthorize(t *testing.T) {
	f := newChatFixture(t)
	f.seedRoom(t, "r1", true)
	ctx := context.Background()

	access, err := f.roomSvc.Authorize(ctx, "r1", "alice")
	require.NoError(t, err)
	require.True(t, access.CanPost())

	access, err = f.roomSvc.Authorize(ctx, "r1", "bob")
	require.NoError(t, err)
	require.False(t, access.CanPost(), "admin-only room")

	_, err = f.roomSvc.Authorize(ctx, "r1", "mallory")
	require.ErrorIs(t, err, ErrNotRoomMember)

	_, err = f.roomSvc.Authorize(ctx, "nope", "alice")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomServiceMembersCarryPresence(t *testing.T) {
	f := newChatFixture(t)
	f.seedRoom(t, "r1", false)
	ctx := context.Background()

	_, err := f.presence.SetOnline(ctx, "bob", "c1")
	require.NoError(t, err)

	snapshot, err := f.roomSvc.Members(ctx, Actor{UserID: "alice"}, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", snapshot.RoomID)
	require.False(t, snapshot.AdminOnly)
	members := snapshot.Members
	require.Len(t, members, 2)
	require.Equal(t, "alice", members[0].UserID, "admins first")
	require.True(t, members[0].IsAdmin)
	require.False(t, members[0].IsOnline)
	require.True(t, members[1].IsOnline)

	_, err = f.roomSvc.Members(ctx, Actor{UserID: "mallory"}, "r1")
	require.ErrorIs(t, err, ErrNotRoomMember)

	online, total, err := f.roomSvc.OnlineMembers(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, online)
	require.Equal(t, 2, total)
}

func TestRoomServiceSnapshotCarriesAdminOnly(t *testing.T) {
	f := newChatFixture(t)
	f.seedRoom(t, "announcements", true)
	ctx := context.Background()

	snapshot, err := f.roomSvc.Snapshot(ctx, "announcements")
	require.NoError(t, err)
	require.True(t, snapshot.AdminOnly)
	require.Len(t, snapshot.Members, 2)

	viaREST, err := f.roomSvc.Members(ctx, Actor{UserID: "bob"}, "announcements")
	require.NoError(t, err)
	require.True(t, viaREST.AdminOnly)

	_, err = f.roomSvc.Snapshot(ctx, "missing")
	require.ErrorIs(t, err, ErrRoomNotFound)
}
