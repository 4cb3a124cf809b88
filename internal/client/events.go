package client

import (
	"fmt"
	"slices"
	"time"

	"go-signal/internal/protocol"
)

// Handle applies one server event. Events that do not concern the current
// session are ignored; unknown event types are not an error.
func (m *Machine) Handle(env protocol.Envelope) (Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.handle(env)
	if err != nil {
		return Output{}, fmt.Errorf("%s: %w", env.Type, err)
	}
	return out, nil
}

func (m *Machine) handle(env protocol.Envelope) (Output, error) {
	switch env.Type {
	case protocol.EventRegistered:
		p, err := decode[protocol.RegisteredPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		m.self = p.UserID
		m.online[p.UserID] = true

	case protocol.EventUserList:
		p, err := decode[protocol.UserListPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		for _, u := range p.Users {
			m.online[u.UserID] = u.IsOnline
		}

	case protocol.EventUserOnline:
		p, err := decode[protocol.UserPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		m.online[p.UserID] = true

	case protocol.EventUserOffline:
		p, err := decode[protocol.UserPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		m.online[p.UserID] = false
		return m.peerOffline(p.UserID), nil

	case protocol.EventIncomingCall:
		p, err := decode[protocol.FromPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state != Idle {
			return Output{}, nil
		}
		m.enter(Ringing, Call{Peer: p.From, Caller: p.From})
		return Output{Notice: m.notify("Incoming call from "+p.From, false)}, nil

	case protocol.EventCallAccepted:
		p, err := decode[protocol.ByPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state != Calling || m.call.Peer != p.By {
			return Output{}, nil
		}
		m.state = Active
		m.deadline = time.Time{}
		m.call.StartedAt = m.now()
		return Output{Notice: m.notify("Call connected", false)}, nil

	case protocol.EventCallRejected:
		p, err := decode[protocol.ByPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state != Calling || m.call.Peer != p.By {
			return Output{}, nil
		}
		m.reset()
		return Output{Notice: m.notify("Call rejected by "+p.By, false)}, nil

	case protocol.EventCallCancelled:
		p, err := decode[protocol.ByPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state != Ringing || m.call.Peer != p.By {
			return Output{}, nil
		}
		m.reset()
		return Output{Notice: m.notify("Call cancelled by "+p.By, false)}, nil

	case protocol.EventCallEnded:
		p, err := decode[protocol.ReasonPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state == Idle || m.state.group() {
			return Output{}, nil
		}
		m.reset()
		return Output{Notice: m.notify(p.Reason, protocol.SilentReason(p.Reason))}, nil

	case protocol.EventGroupCreated, protocol.EventGroupUpdated:
		p, err := decode[protocol.GroupPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		m.groups[p.GroupID] = p
		if m.state.group() && m.call.GroupID == p.GroupID {
			m.call.GroupName = p.Name
		}

	case protocol.EventGroupDeleted:
		p, err := decode[protocol.GroupIDPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		delete(m.groups, p.GroupID)
		if m.state.group() && m.call.GroupID == p.GroupID {
			m.reset()
		}

	case protocol.EventGroupIncomingCall:
		p, err := decode[protocol.GroupIncomingCallPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if m.state != Idle {
			return Output{}, nil
		}
		m.enter(GroupRinging, Call{
			Group:        true,
			GroupID:      p.GroupID,
			GroupName:    p.GroupName,
			Caller:       p.From,
			Participants: []string{p.From},
		})
		return Output{Notice: m.notify(fmt.Sprintf("Group call from %s in %s", p.From, p.GroupName), false)}, nil

	case protocol.EventGroupMemberJoined:
		p, err := decode[protocol.GroupMemberPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		return m.memberJoined(p), nil

	case protocol.EventGroupMemberLeft:
		p, err := decode[protocol.GroupMemberPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		return m.memberLeft(p), nil

	case protocol.EventGroupCallEnded:
		p, err := decode[protocol.GroupCallEndedPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		if !m.state.group() || m.call.GroupID != p.GroupID {
			return Output{}, nil
		}
		m.reset()
		return Output{Notice: m.notify(p.Reason, protocol.SilentReason(p.Reason))}, nil

	case protocol.EventError:
		p, err := decode[protocol.ErrorPayload](env.Payload)
		if err != nil {
			return Output{}, err
		}
		// the server refused the call we just started
		if m.state == Calling || m.state == GroupCalling {
			m.reset()
		}
		return Output{Notice: m.notify(p.Message, false)}, nil
	}
	return Output{}, nil
}

// peerOffline is the implicit hang-up seen from this side.
func (m *Machine) peerOffline(userID string) Output {
	switch {
	case m.state == Idle || userID == m.self:
		return Output{}

	case !m.call.Group:
		if m.call.Peer != userID {
			return Output{}
		}
		m.reset()
		return Output{Notice: m.notify(protocol.ReasonDisconnected(userID), false)}

	case slices.Contains(m.call.Participants, userID):
		m.call.Participants = slices.DeleteFunc(m.call.Participants, func(p string) bool { return p == userID })
		m.call.Left++
		if m.state == GroupActive && m.onlySelfLeft() {
			msg := m.hangUp()
			m.reset()
			return Output{Notice: m.notify("Everyone disconnected", false), Send: []protocol.Message{msg}}
		}
		return Output{Notice: m.notify(fmt.Sprintf("%s disconnected from the call", userID), false)}
	}
	return Output{}
}

func (m *Machine) memberJoined(p protocol.GroupMemberPayload) Output {
	if !m.state.group() || m.call.GroupID != p.GroupID {
		return Output{}
	}
	m.join(p.UserID)
	m.state = GroupActive
	m.deadline = time.Time{}
	if m.call.StartedAt.IsZero() {
		m.call.StartedAt = m.now()
	}
	if p.UserID == m.self {
		return Output{}
	}
	return Output{Notice: m.notify(p.UserID+" joined the call", false)}
}

// memberLeft counts declines while the call rings and drops participants
// once it is up. When nobody is left to answer, the call is abandoned
// without waiting for the server.
func (m *Machine) memberLeft(p protocol.GroupMemberPayload) Output {
	if !m.state.group() || m.call.GroupID != p.GroupID || p.UserID == m.self {
		return Output{}
	}

	joined := slices.Contains(m.call.Participants, p.UserID)
	if m.state != GroupActive || !joined {
		m.call.Declined++
		if n, ok := m.invited(p.GroupID); ok && m.answered() == 0 && m.call.Declined >= n {
			return m.abandon(protocol.ReasonNobodyAnswered)
		}
		if m.state == GroupActive {
			return m.settle(p.UserID + " declined")
		}
		return Output{Notice: m.notify(p.UserID+" declined", false)}
	}

	m.call.Participants = slices.DeleteFunc(m.call.Participants, func(u string) bool { return u == p.UserID })
	m.call.Left++
	return m.settle(p.UserID + " left the call")
}

// settle ends an active call once only this user is left and every invitee
// has responded.
func (m *Machine) settle(text string) Output {
	n, ok := m.invited(m.call.GroupID)
	if ok && m.onlySelfLeft() && m.call.Declined+m.call.Left >= n {
		return m.abandon(protocol.ReasonEveryoneLeft)
	}
	return Output{Notice: m.notify(text, false)}
}

func (m *Machine) abandon(reason string) Output {
	msg := m.hangUp()
	m.reset()
	return Output{Notice: m.notify(reason, false), Send: []protocol.Message{msg}}
}

// answered counts participants other than this user.
func (m *Machine) answered() int {
	n := 0
	for _, p := range m.call.Participants {
		if p != m.self {
			n++
		}
	}
	return n
}

func (m *Machine) onlySelfLeft() bool {
	return len(m.call.Participants) == 1 && m.call.Participants[0] == m.self
}
