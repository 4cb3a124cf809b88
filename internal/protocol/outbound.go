package protocol

import "time"

// Outbound event types (server -> client).
const (
	EventRegistered  = "registered"
	EventUserList    = "user_list"
	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	EventIncomingCall  = "incoming_call"
	EventCallAccepted  = "call_accepted"
	EventCallRejected  = "call_rejected"
	EventCallCancelled = "call_cancelled"
	EventCallEnded     = "call_ended"

	EventGroupCreated = "group_created"
	EventGroupUpdated = "group_updated"
	EventGroupDeleted = "group_deleted"

	EventGroupIncomingCall = "group_incoming_call"
	EventGroupMemberJoined = "group_member_joined"
	EventGroupMemberLeft   = "group_member_left"
	EventGroupCallEnded    = "group_call_ended"

	EventDirectMessage  = "direct_message"
	EventGroupMessage   = "group_message"
	EventMessageSent    = "message_sent"
	EventMessageHistory = "message_history"

	EventError = "error"
)

// Message is an outbound event ready to be marshalled as an Envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type RegisteredPayload struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

type UserEntry struct {
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

type UserListPayload struct {
	Users []UserEntry `json:"users"`
}

type UserPayload struct {
	UserID string `json:"user_id"`
}

type FromPayload struct {
	From string `json:"from"`
}

type ByPayload struct {
	By string `json:"by"`
}

type ReasonPayload struct {
	Reason string `json:"reason"`
}

type GroupPayload struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedBy string   `json:"created_by"`
}

type GroupIDPayload struct {
	GroupID string `json:"group_id"`
}

type GroupIncomingCallPayload struct {
	From      string `json:"from"`
	GroupID   string `json:"group_id"`
	GroupName string `json:"group_name"`
}

type GroupMemberPayload struct {
	GroupID string `json:"group_id"`
	UserID  string `json:"user_id"`
}

type GroupCallEndedPayload struct {
	GroupID string `json:"group_id"`
	Reason  string `json:"reason"`
}

type ChatPayload struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryPayload struct {
	ConversationKey string        `json:"conversation_key"`
	Messages        []ChatPayload `json:"messages"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func Registered(userID, connID string) Message {
	return Message{EventRegistered, RegisteredPayload{UserID: userID, ConnectionID: connID}}
}

func UserList(users []UserEntry) Message {
	if users == nil {
		users = []UserEntry{}
	}
	return Message{EventUserList, UserListPayload{Users: users}}
}

func UserOnline(userID string) Message { return Message{EventUserOnline, UserPayload{userID}} }
func UserOffline(userID string) Message { return Message{EventUserOffline, UserPayload{userID}} }

func IncomingCall(from string) Message { return Message{EventIncomingCall, FromPayload{from}} }
func CallAccepted(by string) Message { return Message{EventCallAccepted, ByPayload{by}} }
func CallRejected(by string) Message { return Message{EventCallRejected, ByPayload{by}} }
func CallCancelled(by string) Message { return Message{EventCallCancelled, ByPayload{by}} }
func CallEnded(reason string) Message { return Message{EventCallEnded, ReasonPayload{reason}} }

func GroupDeleted(groupID string) Message {
	return Message{EventGroupDeleted, GroupIDPayload{groupID}}
}

func GroupCreated(g GroupPayload) Message { return Message{EventGroupCreated, g} }
func GroupUpdated(g GroupPayload) Message { return Message{EventGroupUpdated, g} }

func GroupIncomingCall(from, groupID, groupName string) Message {
	return Message{EventGroupIncomingCall, GroupIncomingCallPayload{From: from, GroupID: groupID, GroupName: groupName}}
}

func GroupMemberJoined(groupID, userID string) Message {
	return Message{EventGroupMemberJoined, GroupMemberPayload{GroupID: groupID, UserID: userID}}
}

func GroupMemberLeft(groupID, userID string) Message {
	return Message{EventGroupMemberLeft, GroupMemberPayload{GroupID: groupID, UserID: userID}}
}

func GroupCallEnded(groupID, reason string) Message {
	return Message{EventGroupCallEnded, GroupCallEndedPayload{GroupID: groupID, Reason: reason}}
}

func DirectMessage(p ChatPayload) Message { return Message{EventDirectMessage, p} }
func GroupMessage(p ChatPayload) Message { return Message{EventGroupMessage, p} }
func MessageSent(p ChatPayload) Message { return Message{EventMessageSent, p} }

func MessageHistory(key string, msgs []ChatPayload) Message {
	return Message{EventMessageHistory, HistoryPayload{ConversationKey: key, Messages: msgs}}
}

func Error(message string) Message { return Message{EventError, ErrorPayload{message}} }
