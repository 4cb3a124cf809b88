package chat_test

import (
	"errors"
	"testing"

	"go-signal/internal/chat"
	"go-signal/internal/protocol"
)

func TestDMKeyIsSymmetric(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"a", "a"}, {"Zed", "abe"}}
	for _, p := range pairs {
		if chat.DMKey(p[0], p[1]) != chat.DMKey(p[1], p[0]) {
			t.Errorf("DMKey(%q,%q) is order dependent", p[0], p[1])
		}
	}
	if got := chat.DMKey("bob", "alice"); got != "alice::bob" {
		t.Errorf("DMKey = %q", got)
	}
	if chat.DMKey("alice", "bob") == chat.DMKey("alice", "carol") {
		t.Error("distinct pairs share a key")
	}
}

func TestParticipants(t *testing.T) {
	a, b, ok := chat.Participants(chat.DMKey("bob", "alice"))
	if !ok || a != "alice" || b != "bob" {
		t.Errorf("Participants = %q %q %v", a, b, ok)
	}
	if _, _, ok := chat.Participants(chat.GroupKey("g1")); ok {
		t.Error("group key split as a direct conversation")
	}
	if !chat.IsGroupKey(chat.GroupKey("g1")) || chat.IsGroupKey(chat.DMKey("a", "b")) {
		t.Error("IsGroupKey misclassified")
	}
}

func TestKeysDistinctForValidIDs(t *testing.T) {
	ids := []string{"alice", "bob", "x", "y:z", "g1", "a:b:c"}
	seen := map[string][2]string{}
	for _, a := range ids {
		for _, b := range ids {
			if a > b {
				continue
			}
			key := chat.DMKey(a, b)
			if prev, ok := seen[key]; ok {
				t.Errorf("DMKey(%q,%q) = DMKey(%q,%q) = %q", a, b, prev[0], prev[1], key)
			}
			seen[key] = [2]string{a, b}
			if x, y, ok := chat.Participants(key); !ok || x != a || y != b {
				t.Errorf("Participants(%q) = %q %q", key, x, y)
			}
			if chat.IsGroupKey(key) {
				t.Errorf("DMKey(%q,%q) reads as a group key", a, b)
			}
		}
	}
}

func TestSeparatorIDsAreRejected(t *testing.T) {
	for _, id := range []string{"x::y", "::", "alice:", ":bob", "group"} {
		if err := protocol.CheckUserID(id); !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("CheckUserID(%q) = %v", id, err)
		}
	}
	if err := protocol.CheckUserID("alice"); err != nil {
		t.Errorf("CheckUserID(alice) = %v", err)
	}
}
