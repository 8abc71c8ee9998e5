package signal

import "strings"

// Reaction kinds.
const (
	ReactionKindEmoji = "emoji"
	ReactionKindAsset = "asset"
)

// allowedEmoji is the fixed emoji reaction set. Anything outside it is
// rejected server-side before fan-out.
var allowedEmoji = map[string]struct{}{
	"👍": {}, "👎": {}, "👏": {}, "🎉": {}, "❤️": {},
	"😂": {}, "😮": {}, "🙏": {}, "✋": {}, "🔥": {},
}

// assetPathPrefix constrains asset reactions to the bundled reaction set.
const assetPathPrefix = "/reactions/"

// ValidateReaction checks a reaction against the emoji allowlist or the
// asset path allowlist. Labels are free-form and capped by the caller.
func ValidateReaction(kind, value string) bool {
	switch kind {
	case ReactionKindEmoji:
		_, ok := allowedEmoji[value]
		return ok
	case ReactionKindAsset:
		if !strings.HasPrefix(value, assetPathPrefix) {
			return false
		}
		// No traversal, no scheme smuggling.
		if strings.Contains(value, "..") || strings.Contains(value, "://") {
			return false
		}
		return len(value) > len(assetPathPrefix)
	default:
		return false
	}
}

// AllowedEmoji returns the emoji allowlist for client-side pickers.
func AllowedEmoji() []string {
	out := make([]string, 0, len(allowedEmoji))
	for e := range allowedEmoji {
		out = append(out, e)
	}
	return out
}
