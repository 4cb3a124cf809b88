package chat

import (
	"strings"

	"go-signal/internal/protocol"
)

const groupPrefix = protocol.GroupNamespace + protocol.IDSeparator

// DMKey is the conversation key shared by both sides of a direct chat.
// The smaller id always comes first. Keys are distinct per pair only for ids
// that pass protocol.CheckUserID.
func DMKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + protocol.IDSeparator + b
}

func GroupKey(groupID string) string { return groupPrefix + groupID }

// IsGroupKey reports whether key names a group conversation.
func IsGroupKey(key string) bool { return strings.HasPrefix(key, groupPrefix) }

// Participants splits a direct conversation key back into its two user ids.
func Participants(key string) (a, b string, ok bool) {
	if IsGroupKey(key) {
		return "", "", false
	}
	return strings.Cut(key, protocol.IDSeparator)
}
