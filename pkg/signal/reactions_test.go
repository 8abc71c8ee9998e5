package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateReaction_AllowedEmoji(t *testing.T) {
	assert.True(t, ValidateReaction(ReactionKindEmoji, "👍"))
	assert.True(t, ValidateReaction(ReactionKindEmoji, "🎉"))
}

func TestValidateReaction_UnknownEmoji(t *testing.T) {
	assert.False(t, ValidateReaction(ReactionKindEmoji, "🦖"))
	assert.False(t, ValidateReaction(ReactionKindEmoji, ""))
}

func TestValidateReaction_AssetPath(t *testing.T) {
	assert.True(t, ValidateReaction(ReactionKindAsset, "/reactions/confetti.webm"))
}

func TestValidateReaction_AssetPathEscapes(t *testing.T) {
	assert.False(t, ValidateReaction(ReactionKindAsset, "/reactions/../../etc/passwd"))
	assert.False(t, ValidateReaction(ReactionKindAsset, "https://evil.example/x.webm"))
	assert.False(t, ValidateReaction(ReactionKindAsset, "/other/clip.webm"))
	assert.False(t, ValidateReaction(ReactionKindAsset, "/reactions/"))
}

func TestValidateReaction_UnknownKind(t *testing.T) {
	assert.False(t, ValidateReaction("gif", "whatever"))
}

func TestAllowedEmojiExposesFullSet(t *testing.T) {
	emoji := AllowedEmoji()
	assert.Len(t, emoji, len(allowedEmoji))
	for _, e := range emoji {
		assert.True(t, ValidateReaction(ReactionKindEmoji, e))
	}
}
