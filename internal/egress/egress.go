// ABOUTME: Response Egress: throttled chat-message updates and reaction state machine.
// ABOUTME: Per-target-message throttling with coalescing is adapted from the conversation event broadcaster's per-key fan-out.
package egress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-gateway/internal/domain"
	"github.com/2389/coven-gateway/internal/errtax"
)

const throttleWindow = 2 * time.Second

const (
	reactionWorking = "working"
	reactionSuccess = "success"
	reactionFailure = "failure"
)

// Sentinel errors a ChatClient implementation wraps to signal a
// permanently dead target message; the egress logs and drops these
// instead of letting the queue retry. Each also wraps errtax.ErrPermanent
// so a handler further up the call stack (the worker's job handler)
// classifies them the same way without needing egress-specific cases.
var (
	ErrMessageNotFound = fmt.Errorf("message not found: %w", errtax.ErrPermanent)
	ErrChannelNotFound = fmt.Errorf("channel not found: %w", errtax.ErrPermanent)
	ErrNotInChannel    = fmt.Errorf("bot not in channel: %w", errtax.ErrPermanent)
)

func isDropKind(err error) bool {
	return errors.Is(err, errtax.ErrPermanent)
}

// ChatClient is the chat-platform boundary Response Egress drives.
type ChatClient interface {
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	AddReaction(ctx context.Context, channelID, ts, reaction string) error
	RemoveReaction(ctx context.Context, channelID, ts, reaction string) error
}

type throttleState struct {
	mu         sync.Mutex
	lastFlush  time.Time
	pending    string
	hasPending bool
	timer      *time.Timer
}

// Egress implements the Response Egress.
type Egress struct {
	client ChatClient
	logger *slog.Logger
	window time.Duration

	throttles sync.Map // "channelID:ts" -> *throttleState
}

// New constructs an Egress over the given ChatClient with the default
// 2-second throttle window.
func New(client ChatClient) *Egress {
	return &Egress{client: client, logger: slog.Default().With("component", "egress"), window: throttleWindow}
}

// NewWithWindow constructs an Egress with a non-default throttle
// window, used by tests that cannot wait on the real 2-second window.
func NewWithWindow(client ChatClient, window time.Duration) *Egress {
	return &Egress{client: client, logger: slog.Default().With("component", "egress"), window: window}
}

func throttleKey(channelID, ts string) string { return channelID + ":" + ts }

func (e *Egress) stateFor(key string) *throttleState {
	v, _ := e.throttles.LoadOrStore(key, &throttleState{})
	return v.(*throttleState)
}

// Handle processes one ThreadResponse envelope: the content path
// (throttled, coalesced chat update) and the reaction path (immediate,
// since reactions are idempotent and cheap).
func (e *Egress) Handle(ctx context.Context, r *domain.ThreadResponse) error {
	if r.Content != "" {
		e.enqueueContent(ctx, r.ChannelID, r.ThreadTs, r.Content)
	}
	return e.applyReaction(ctx, r)
}

// enqueueContent throttles updateMessage calls per (channelID, ts) to
// at most one every 2 seconds, keeping only the most recent content
// when multiple updates arrive inside the window.
func (e *Egress) enqueueContent(ctx context.Context, channelID, ts, content string) {
	key := throttleKey(channelID, ts)
	state := e.stateFor(key)

	state.mu.Lock()
	defer state.mu.Unlock()

	elapsed := time.Since(state.lastFlush)
	if elapsed >= e.window {
		state.lastFlush = time.Now()
		state.hasPending = false
		go e.flush(ctx, channelID, ts, content)
		return
	}

	state.pending = content
	state.hasPending = true
	if state.timer != nil {
		return
	}
	wait := e.window - elapsed
	state.timer = time.AfterFunc(wait, func() {
		state.mu.Lock()
		state.timer = nil
		if !state.hasPending {
			state.mu.Unlock()
			return
		}
		toSend := state.pending
		state.hasPending = false
		state.lastFlush = time.Now()
		state.mu.Unlock()
		e.flush(ctx, channelID, ts, toSend)
	})
}

func (e *Egress) flush(ctx context.Context, channelID, ts, content string) {
	text := renderContent(content)
	if err := e.client.UpdateMessage(ctx, channelID, ts, text); err != nil {
		if isDropKind(err) {
			e.logger.Warn("dropping update to a dead target message", "channel_id", channelID, "ts", ts, "error", err)
			return
		}
		e.logger.Error("chat update failed", "channel_id", channelID, "ts", ts, "error", err)
	}
}

// renderContent is a passthrough: chat-native markdown-to-blocks
// rendering is out of scope, so agent output is sent as plain or
// fenced text exactly as produced.
func renderContent(content string) string { return content }

// applyReaction implements the working/success/failure state machine
// against the originating user message.
func (e *Egress) applyReaction(ctx context.Context, r *domain.ThreadResponse) error {
	target := r.OriginalMessageTs
	if target == "" {
		return nil
	}

	switch {
	case r.Error != "":
		e.removeThenAdd(ctx, r.ChannelID, target, reactionWorking, reactionFailure)
	case r.IsDone && r.Content != "":
		e.removeThenAdd(ctx, r.ChannelID, target, reactionWorking, reactionSuccess)
	case !r.IsDone && r.Content != "":
		if err := e.client.AddReaction(ctx, r.ChannelID, target, reactionWorking); err != nil && !isDropKind(err) {
			return fmt.Errorf("adding working reaction: %w", err)
		}
	}
	return nil
}

func (e *Egress) removeThenAdd(ctx context.Context, channelID, ts, remove, add string) {
	if err := e.client.RemoveReaction(ctx, channelID, ts, remove); err != nil && !isDropKind(err) {
		e.logger.Warn("removing reaction failed", "channel_id", channelID, "ts", ts, "reaction", remove, "error", err)
	}
	if err := e.client.AddReaction(ctx, channelID, ts, add); err != nil && !isDropKind(err) {
		e.logger.Warn("adding reaction failed", "channel_id", channelID, "ts", ts, "reaction", add, "error", err)
	}
}
