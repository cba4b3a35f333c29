package egress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/egress"
)

type call struct {
	kind      string // "update", "add", "remove"
	channelID string
	ts        string
	value     string // text or reaction name
}

type fakeChat struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeChat) UpdateMessage(_ context.Context, channelID, ts, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "update", channelID: channelID, ts: ts, value: text})
	return f.err
}

func (f *fakeChat) AddReaction(_ context.Context, channelID, ts, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "add", channelID: channelID, ts: ts, value: reaction})
	return nil
}

func (f *fakeChat) RemoveReaction(_ context.Context, channelID, ts, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "remove", channelID: channelID, ts: ts, value: reaction})
	return nil
}

func (f *fakeChat) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestHandleFlushesFirstUpdateImmediately(t *testing.T) {
	chat := &fakeChat{}
	e := egress.New(chat)

	err := e.Handle(context.Background(), &domain.ThreadResponse{
		ChannelID: "c1", ThreadTs: "t1", Content: "hello", IsDone: false,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(chat.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	calls := chat.snapshot()
	require.Equal(t, "update", calls[0].kind)
	require.Equal(t, "hello", calls[0].value)
}

func TestHandleCoalescesWithinWindow(t *testing.T) {
	chat := &fakeChat{}
	e := egress.NewWithWindow(chat, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{ChannelID: "c1", ThreadTs: "t1", Content: "first"}))
	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{ChannelID: "c1", ThreadTs: "t1", Content: "second"}))
	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{ChannelID: "c1", ThreadTs: "t1", Content: "third"}))

	require.Eventually(t, func() bool { return len(chat.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	calls := chat.snapshot()
	require.Equal(t, "first", calls[0].value, "the first update flushes immediately")
	require.Equal(t, "third", calls[1].value, "coalesced updates keep only the most recent content")
}

func TestApplyReactionWorkingThenSuccess(t *testing.T) {
	chat := &fakeChat{}
	e := egress.New(chat)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{
		ChannelID: "c1", ThreadTs: "t1", OriginalMessageTs: "orig1", Content: "working on it",
	}))
	require.Eventually(t, func() bool { return len(chat.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{
		ChannelID: "c1", ThreadTs: "t1", OriginalMessageTs: "orig1", Content: "done", IsDone: true,
	}))

	calls := chat.snapshot()
	var reactionCalls []call
	for _, c := range calls {
		if c.kind == "add" || c.kind == "remove" {
			reactionCalls = append(reactionCalls, c)
		}
	}
	require.Len(t, reactionCalls, 3)
	require.Equal(t, "add", reactionCalls[0].kind)
	require.Equal(t, "working", reactionCalls[0].value)
	require.Equal(t, "remove", reactionCalls[1].kind)
	require.Equal(t, "working", reactionCalls[1].value)
	require.Equal(t, "add", reactionCalls[2].kind)
	require.Equal(t, "success", reactionCalls[2].value)
}

func TestApplyReactionErrorReplacesWorkingWithFailure(t *testing.T) {
	chat := &fakeChat{}
	e := egress.New(chat)
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, &domain.ThreadResponse{
		ChannelID: "c1", ThreadTs: "t1", OriginalMessageTs: "orig1", Error: "agent crashed",
	}))

	calls := chat.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "remove", calls[0].kind)
	require.Equal(t, "working", calls[0].value)
	require.Equal(t, "add", calls[1].kind)
	require.Equal(t, "failure", calls[1].value)
}

func TestHandleDropsOnMessageNotFound(t *testing.T) {
	chat := &fakeChat{err: egress.ErrMessageNotFound}
	e := egress.New(chat)

	err := e.Handle(context.Background(), &domain.ThreadResponse{ChannelID: "c1", ThreadTs: "t1", Content: "hello"})
	require.NoError(t, err, "Handle itself never surfaces a dropped content-path error")
	require.Eventually(t, func() bool { return len(chat.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}
