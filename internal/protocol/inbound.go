package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message types (client -> server).
const (
	TypeRegister          = "register"
	TypeStoreFCMToken     = "store_fcm_token"
	TypeStorePushSub      = "store_push_sub"
	TypeStorePushSubAlias = "StorePushSub"

	TypeCall    = "call"
	TypeAccept  = "accept"
	TypeReject  = "reject"
	TypeCancel  = "cancel"
	TypeCutCall = "cut_call"

	TypeGroupCall   = "group_call"
	TypeGroupAccept = "group_accept"
	TypeGroupReject = "group_reject"
	TypeGroupCut    = "group_cut"

	TypeCreateGroup       = "create_group"
	TypeAddGroupMember    = "add_group_member"
	TypeRemoveGroupMember = "remove_group_member"
	TypeDeleteGroup       = "delete_group"

	TypeSendMessage      = "send_message"
	TypeSendGroupMessage = "send_group_message"
)

var ErrMalformed = errors.New("malformed message")

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is one decoded client message. The set of implementations is closed.
type Inbound interface {
	MessageType() string
	validate() error
}

type Register struct {
	UserID string `json:"user_id"`
}

type StoreFCMToken struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// PushSubscription mirrors the browser PushSubscription JSON.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type StorePushSub struct {
	UserID       string           `json:"user_id"`
	Subscription PushSubscription `json:"subscription"`
}

// Direct covers call, accept, reject, cancel and cut_call. Kind holds the
// message type it was decoded from.
type Direct struct {
	Kind string `json:"-"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Group covers group_call, group_accept, group_reject and group_cut.
type Group struct {
	Kind    string `json:"-"`
	From    string `json:"from"`
	GroupID string `json:"group_id"`
}

type CreateGroup struct {
	CreatedBy string   `json:"created_by"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
}

type AddGroupMember struct {
	GroupID string `json:"group_id"`
	AddedBy string `json:"added_by"`
	UserID  string `json:"user_id"`
}

type RemoveGroupMember struct {
	GroupID   string `json:"group_id"`
	RemovedBy string `json:"removed_by"`
	UserID    string `json:"user_id"`
}

type DeleteGroup struct {
	GroupID   string `json:"group_id"`
	DeletedBy string `json:"deleted_by"`
}

type SendMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
}

type SendGroupMessage struct {
	From    string `json:"from"`
	GroupID string `json:"group_id"`
	Content string `json:"content"`
}

func (*Register) MessageType() string { return TypeRegister }
func (*StoreFCMToken) MessageType() string { return TypeStoreFCMToken }
func (*StorePushSub) MessageType() string { return TypeStorePushSub }
func (d *Direct) MessageType() string { return d.Kind }
func (g *Group) MessageType() string { return g.Kind }
func (*CreateGroup) MessageType() string { return TypeCreateGroup }
func (*AddGroupMember) MessageType() string { return TypeAddGroupMember }
func (*RemoveGroupMember) MessageType() string { return TypeRemoveGroupMember }
func (*DeleteGroup) MessageType() string { return TypeDeleteGroup }
func (*SendMessage) MessageType() string { return TypeSendMessage }
func (*SendGroupMessage) MessageType() string { return TypeSendGroupMessage }

func (m *Register) validate() error {
	m.UserID = strings.TrimSpace(m.UserID)
	return CheckUserID(m.UserID)
}

func (m *StoreFCMToken) validate() error {
	return require("user_id", m.UserID, "token", m.Token)
}

func (m *StorePushSub) validate() error {
	return require("user_id", m.UserID,
		"subscription.endpoint", m.Subscription.Endpoint,
		"subscription.keys.p256dh", m.Subscription.Keys.P256dh,
		"subscription.keys.auth", m.Subscription.Keys.Auth)
}

func (d *Direct) validate() error { return require("from", d.From, "to", d.To) }

func (g *Group) validate() error { return require("from", g.From, "group_id", g.GroupID) }

func (m *CreateGroup) validate() error {
	m.Name = strings.TrimSpace(m.Name)
	return require("created_by", m.CreatedBy, "name", m.Name)
}

func (m *AddGroupMember) validate() error {
	return require("group_id", m.GroupID, "added_by", m.AddedBy, "user_id", m.UserID)
}

func (m *RemoveGroupMember) validate() error {
	return require("group_id", m.GroupID, "removed_by", m.RemovedBy, "user_id", m.UserID)
}

func (m *DeleteGroup) validate() error {
	return require("group_id", m.GroupID, "deleted_by", m.DeletedBy)
}

func (m *SendMessage) validate() error {
	m.Content = strings.TrimSpace(m.Content)
	if err := require("from", m.From, "to", m.To, "content", m.Content); err != nil {
		return err
	}
	return CheckUserID(m.To)
}

func (m *SendGroupMessage) validate() error {
	m.Content = strings.TrimSpace(m.Content)
	return require("from", m.From, "group_id", m.GroupID, "content", m.Content)
}

// require takes name/value pairs and fails on the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: missing %s", ErrMalformed, pairs[i])
		}
	}
	return nil
}

// Decode parses a raw frame into its typed message. Unknown types and
// missing required fields are rejected as ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Inbound
	switch env.Type {
	case TypeRegister:
		msg = &Register{}
	case TypeStoreFCMToken:
		msg = &StoreFCMToken{}
	case TypeStorePushSub, TypeStorePushSubAlias:
		msg = &StorePushSub{}
	case TypeCall, TypeAccept, TypeReject, TypeCancel, TypeCutCall:
		msg = &Direct{Kind: env.Type}
	case TypeGroupCall, TypeGroupAccept, TypeGroupReject, TypeGroupCut:
		msg = &Group{Kind: env.Type}
	case TypeCreateGroup:
		msg = &CreateGroup{}
	case TypeAddGroupMember:
		msg = &AddGroupMember{}
	case TypeRemoveGroupMember:
		msg = &RemoveGroupMember{}
	case TypeDeleteGroup:
		msg = &DeleteGroup{}
	case TypeSendMessage:
		msg = &SendMessage{}
	case TypeSendGroupMessage:
		msg = &SendGroupMessage{}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, env.Type)
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode builds a frame for an outbound or inbound message.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
