package reconciler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateClientID(t *testing.T) {
	id := GenerateClientID("bot-7")

	require.True(t, strings.HasPrefix(id, "sr-bot-7-"))
	require.True(t, BelongsToBot(id, "bot-7"))
	require.True(t, HasBotPrefix(id))
}

func TestGenerateClientIDUnique(t *testing.T) {
	a := GenerateClientID("bot-7")
	b := GenerateClientID("bot-7")
	require.NotEqual(t, a, b)
}

func TestBelongsToBot(t *testing.T) {
	require.False(t, BelongsToBot("sr-bot-7-abcd1234", "bot-8"))
	require.False(t, BelongsToBot("", "bot-7"))
	require.False(t, BelongsToBot("manual-order-1", "bot-7"))

	// A bot id that prefixes another bot id must not match.
	require.False(t, BelongsToBot("sr-bot-77-abcd1234", "bot-7"))
}

func TestHasBotPrefix(t *testing.T) {
	require.True(t, HasBotPrefix("sr-bot-1-ffffffff"))
	require.False(t, HasBotPrefix("srx-bot-1-ffffffff"))
	require.False(t, HasBotPrefix(""))
}
