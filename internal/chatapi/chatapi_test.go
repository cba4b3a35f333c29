package chatapi

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-gateway/internal/egress"
)

func TestClassifyMatrixErrorMapsKnownCodes(t *testing.T) {
	require.ErrorIs(t, classifyMatrixError(errors.New("400: M_NOT_FOUND event not found")), egress.ErrMessageNotFound)
	require.ErrorIs(t, classifyMatrixError(errors.New("403: M_FORBIDDEN not in room")), egress.ErrNotInChannel)

	other := errors.New("500: M_UNKNOWN something broke")
	require.False(t, errors.Is(classifyMatrixError(other), egress.ErrMessageNotFound))
	require.False(t, errors.Is(classifyMatrixError(other), egress.ErrNotInChannel))
}

func TestReactionCacheKeyIsStablePerTarget(t *testing.T) {
	require.Equal(t, "room1:ts1:working", reactionCacheKey("room1", "ts1", "working"))
	require.NotEqual(t, reactionCacheKey("room1", "ts1", "working"), reactionCacheKey("room1", "ts1", "success"))
}
