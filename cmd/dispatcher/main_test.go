package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gateway/internal/config"
	"github.com/2389/coven-gateway/internal/store"
)

func newTestDispatcher(t *testing.T) *dispatcher {
	t.Helper()
	return &dispatcher{
		cfg:   &config.Config{},
		store: store.NewMemoryStore(),
	}
}

func TestResolveUsernameNormalisesAndCaches(t *testing.T) {
	d := newTestDispatcher(t)

	u1 := d.resolveUsername("@Jane.Doe:example.org")
	require.Equal(t, "user-jane-doe-example-org", u1)

	u2 := d.resolveUsername("@Jane.Doe:example.org")
	require.Equal(t, u1, u2, "repeated calls for the same id must hit the cache")
}

func TestResolveUsernameCollapsesRepeatedDashes(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, "user-a-b", d.resolveUsername("@a!!!b"))
}

func TestThreadIDOfReturnsEmptyWithoutRelation(t *testing.T) {
	content := &event.MessageEventContent{}
	require.Equal(t, "", threadIDOf(content))
}

func TestThreadIDOfReturnsEmptyForNonThreadRelation(t *testing.T) {
	content := &event.MessageEventContent{
		RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: id.EventID("$abc")},
	}
	require.Equal(t, "", threadIDOf(content))
}

func TestIsAllowedWithNoLists(t *testing.T) {
	d := newTestDispatcher(t)
	evt := &event.Event{Sender: id.UserID("@u:x"), RoomID: id.RoomID("!r:x")}
	require.True(t, d.isAllowed(evt))
}

func TestIsAllowedRejectsUnlistedUser(t *testing.T) {
	d := newTestDispatcher(t)
	d.cfg.Frontends.Matrix.AllowedUsers = []string{"@ok:x"}
	evt := &event.Event{Sender: id.UserID("@nope:x"), RoomID: id.RoomID("!r:x")}
	require.False(t, d.isAllowed(evt))
}

func TestIsAllowedRejectsUnlistedRoom(t *testing.T) {
	d := newTestDispatcher(t)
	d.cfg.Frontends.Matrix.AllowedRooms = []string{"!ok:x"}
	evt := &event.Event{Sender: id.UserID("@u:x"), RoomID: id.RoomID("!nope:x")}
	require.False(t, d.isAllowed(evt))
}

func TestResolveRepositoryURLCachesAcrossCalls(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	url1, err := d.resolveRepositoryURL(ctx, "user-jane")
	require.NoError(t, err)
	require.Contains(t, url1, "jane")

	url2, err := d.resolveRepositoryURL(ctx, "user-jane")
	require.NoError(t, err)
	require.Equal(t, url1, url2)
}

func TestLookupAgentSessionIDMissReturnsEmpty(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, "", d.lookupAgentSessionID(context.Background(), "no-such-session"))
}
