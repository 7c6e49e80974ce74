package reconciler

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// clientIDPrefix marks every client order id this system submits. The
// full convention is "<prefix>-<botId>-<random>", which lets a bot
// recognize its own orders in exchange responses and lets the orphan
// matcher treat ids without the prefix as foreign.
const clientIDPrefix = "sr"

// GenerateClientID returns a fresh correlation id for the given bot.
func GenerateClientID(botID string) string {
	return fmt.Sprintf("%s-%s-%s", clientIDPrefix, botID, uuid.NewString()[:8])
}

// BelongsToBot reports whether a client order id was generated by the
// given bot.
func BelongsToBot(clientID, botID string) bool {
	return strings.HasPrefix(clientID, clientIDPrefix+"-"+botID+"-")
}

// HasBotPrefix reports whether a client order id was generated by any
// bot of this system.
func HasBotPrefix(clientID string) bool {
	return strings.HasPrefix(clientID, clientIDPrefix+"-")
}
