package protocol

import "fmt"

// Reasons carried by call_ended and group_call_ended.
const (
	ReasonNoAnswer           = "No answer"
	ReasonNobodyAnswered     = "Nobody answered"
	ReasonEveryoneLeft       = "Everyone left"
	ReasonCallCancelled      = "Call cancelled"
	ReasonCallEnded          = "Call ended"
	ReasonYouEnded           = "You ended the call"
	ReasonYouDeclined        = "You declined"
	ReasonYouLeft            = "You left the call"
	ReasonAnsweredElsewhere  = "Answered on another tab"
	ReasonRejectedElsewhere  = "Rejected on another tab"
	ReasonCancelledElsewhere = "Cancelled on another tab"
	ReasonGroupDeleted       = "Group deleted"
	ReasonRemovedFromGroup   = "Removed from group"
)

// silent reasons are caused by the user themselves and never shown.
var silent = map[string]struct{}{
	ReasonCallEnded:          {},
	ReasonYouEnded:           {},
	ReasonYouDeclined:        {},
	ReasonYouLeft:            {},
	ReasonAnsweredElsewhere:  {},
	ReasonRejectedElsewhere:  {},
	ReasonCancelledElsewhere: {},
	ReasonGroupDeleted:       {},
}

// SilentReason reports whether a termination reason is self-caused.
func SilentReason(reason string) bool {
	_, ok := silent[reason]
	return ok
}

func ReasonDisconnected(userID string) string { return fmt.Sprintf("'%s' disconnected", userID) }

func ReasonEndedBy(userID string) string { return fmt.Sprintf("Call ended by %s", userID) }

func ReasonGroupEndedBy(userID string) string { return fmt.Sprintf("'%s' ended the call", userID) }
