package protocol

import (
	"fmt"
	"strings"
)

// IDSeparator joins ids into conversation keys, so no user id may contain it.
const IDSeparator = "::"

// GroupNamespace leads every group conversation key and is not a usable
// user id.
const GroupNamespace = "group"

// CheckUserID rejects user ids that would make conversation keys ambiguous.
func CheckUserID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: missing user id", ErrMalformed)
	case strings.Contains(id, IDSeparator), strings.HasPrefix(id, ":"), strings.HasSuffix(id, ":"):
		// a leading or trailing colon would merge with the separator
		return fmt.Errorf("%w: user id may not contain %q or start or end with ':'", ErrMalformed, IDSeparator)
	case id == GroupNamespace:
		return fmt.Errorf("%w: user id %q is reserved", ErrMalformed, id)
	}
	return nil
}
