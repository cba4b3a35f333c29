// ABOUTME: Matrix-backed chat-platform client: post/update messages, reactions, thread history.
// ABOUTME: Implements internal/egress.ChatClient and the worker's conversation-history fetch, grounded on the matrix bridge's client wiring.
package chatapi

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-gateway/internal/egress"
)

const requestTimeout = 30 * time.Second

var reactionKeys = map[string]string{
	"working": "⏳",
	"success": "✅",
	"failure": "❌",
}

// Client is the Matrix implementation of the chat-platform boundary
// used by the Dispatcher (post), the worker (post/react/fetch) and the
// Response Egress (update/react).
type Client struct {
	matrix *mautrix.Client

	mu         sync.Mutex
	reactionTo map[string]id.EventID // "roomID:ts:reactionName" -> reaction event id, for redaction on removal
}

// New wraps an already-authenticated mautrix client.
func New(matrix *mautrix.Client) *Client {
	return &Client{matrix: matrix, reactionTo: make(map[string]id.EventID)}
}

var _ egress.ChatClient = (*Client)(nil)

// PostMessage sends a new plain-text message and returns its event ID,
// used by the Dispatcher as the thread's placeholder message.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.matrix.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
	if err != nil {
		return "", fmt.Errorf("posting message: %w", err)
	}
	return resp.EventID.String(), nil
}

// UpdateMessage edits a previously sent message in place via Matrix's
// m.replace relation.
func (c *Client) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	roomID := id.RoomID(channelID)
	eventID := id.EventID(ts)

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + text,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    text,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: eventID,
		},
	}

	_, err := c.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return classifyMatrixError(err)
	}
	return nil
}

// AddReaction sends an m.reaction event and remembers its event ID so
// a later RemoveReaction can redact it.
func (c *Client) AddReaction(ctx context.Context, channelID, ts, reaction string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	roomID := id.RoomID(channelID)
	targetEvent := id.EventID(ts)
	key := reactionKeys[reaction]
	if key == "" {
		key = reaction
	}

	resp, err := c.matrix.SendReaction(ctx, roomID, targetEvent, key)
	if err != nil {
		return classifyMatrixError(err)
	}

	c.mu.Lock()
	c.reactionTo[reactionCacheKey(channelID, ts, reaction)] = resp.EventID
	c.mu.Unlock()
	return nil
}

// RemoveReaction redacts the reaction event AddReaction recorded; a
// miss (never added, or already removed) is a no-op.
func (c *Client) RemoveReaction(ctx context.Context, channelID, ts, reaction string) error {
	c.mu.Lock()
	key := reactionCacheKey(channelID, ts, reaction)
	reactionEventID, ok := c.reactionTo[key]
	if ok {
		delete(c.reactionTo, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := c.matrix.RedactEvent(ctx, id.RoomID(channelID), reactionEventID, mautrix.ReqRedact{})
	if err != nil {
		return classifyMatrixError(err)
	}
	return nil
}

func reactionCacheKey(channelID, ts, reaction string) string {
	return channelID + ":" + ts + ":" + reaction
}

// ThreadMessage is one prior conversation turn, mapped down to role,
// content and timestamp.
type ThreadMessage struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// FetchThreadMessages reads up to limit of the room's most recent
// events backward from the end of its timeline, filters to non-system
// text messages, and returns them in chronological order. It is not
// anchored on a thread root and does not filter by thread.
func (c *Client) FetchThreadMessages(ctx context.Context, channelID string, limit int) ([]ThreadMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.matrix.Messages(ctx, id.RoomID(channelID), "", "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("fetching message history: %w", err)
	}

	out := make([]ThreadMessage, 0, len(resp.Chunk))
	for i := len(resp.Chunk) - 1; i >= 0; i-- {
		evt := resp.Chunk[i]
		if evt.Type != event.EventMessage {
			continue
		}
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			continue
		}
		msgContent, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || msgContent.MsgType != event.MsgText {
			continue
		}
		role := "user"
		if evt.Sender == c.matrix.UserID {
			role = "assistant"
		}
		out = append(out, ThreadMessage{
			Role:      role,
			Content:   msgContent.Body,
			Timestamp: time.UnixMilli(int64(evt.Timestamp)),
		})
	}
	return out, nil
}

// classifyMatrixError maps the homeserver's M_NOT_FOUND/M_FORBIDDEN
// error codes, present in the error text mautrix surfaces for any
// failed request, onto the sentinels Response Egress drops on rather
// than retries.
func classifyMatrixError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "M_NOT_FOUND"):
		return fmt.Errorf("%w: %v", egress.ErrMessageNotFound, err)
	case strings.Contains(msg, "M_FORBIDDEN"):
		return fmt.Errorf("%w: %v", egress.ErrNotInChannel, err)
	default:
		return err
	}
}
