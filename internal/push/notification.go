// Package push delivers out-of-band notifications to users with no live
// connection, through Firebase Cloud Messaging and Web Push.
package push

import (
	"context"
	"errors"
	"fmt"
)

const (
	ActionIncomingCall      = "incoming_call"
	ActionGroupIncomingCall = "group_incoming_call"
	ActionCallCancelled     = "call_cancelled"
	ActionGroupCallEnded    = "group_call_ended"
	ActionChatMessage       = "chat_message"

	CallTypeDirect = "direct"
	CallTypeGroup  = "group"
)

const previewLimit = 200

var ErrNoTargets = errors.New("push: user has no registered tokens or subscriptions")

// Notification carries enough context for a tapped notification to re-issue
// the live accept/reject once the client reconnects.
type Notification struct {
	Action    string `json:"action"`
	From      string `json:"from"`
	To        string `json:"to"`
	CallType  string `json:"callType,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body,omitempty"`
}

// Sender is the fallback path the router uses when a user is unreachable.
type Sender interface {
	Send(ctx context.Context, userID string, n Notification) error
}

// Data flattens n into an FCM data map. FCM reserves "from", so the parties
// travel as caller and callee.
func (n Notification) Data() map[string]string {
	out := map[string]string{"action": n.Action}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("caller", n.From)
	set("callee", n.To)
	set("callType", n.CallType)
	set("group_id", n.GroupID)
	set("group_name", n.GroupName)
	set("title", n.Title)
	set("body", n.Body)
	return out
}

func IncomingCall(from, to string) Notification {
	return Notification{
		Action:   ActionIncomingCall,
		From:     from,
		To:       to,
		CallType: CallTypeDirect,
		Title:    fmt.Sprintf("Incoming call from %s", from),
		Body:     "Tap Accept to answer",
	}
}

func GroupIncomingCall(from, to, groupID, groupName string) Notification {
	return Notification{
		Action:    ActionGroupIncomingCall,
		From:      from,
		To:        to,
		CallType:  CallTypeGroup,
		GroupID:   groupID,
		GroupName: groupName,
		Title:     fmt.Sprintf("%s is calling %s", from, groupName),
		Body:      "Tap Accept to join",
	}
}

// CallCancelled dismisses a previously pushed incoming_call.
func CallCancelled(from, to string) Notification {
	return Notification{Action: ActionCallCancelled, From: from, To: to, CallType: CallTypeDirect}
}

// GroupCallEnded dismisses a previously pushed group_incoming_call.
func GroupCallEnded(from, to, groupID, reason string) Notification {
	return Notification{
		Action:   ActionGroupCallEnded,
		From:     from,
		To:       to,
		CallType: CallTypeGroup,
		GroupID:  groupID,
		Body:     reason,
	}
}

func ChatMessage(from, to, groupID, groupName, content string) Notification {
	title := fmt.Sprintf("Message from %s", from)
	if groupID != "" {
		title = fmt.Sprintf("%s in %s", from, groupName)
	}
	return Notification{
		Action:    ActionChatMessage,
		From:      from,
		To:        to,
		GroupID:   groupID,
		GroupName: groupName,
		Title:     title,
		Body:      preview(content),
	}
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLimit {
		return s
	}
	return string(r[:previewLimit])
}

// Nop drops every notification. Used when no backend is configured.
type Nop struct{}

func (Nop) Send(context.Context, string, Notification) error { return nil }
