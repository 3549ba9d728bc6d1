package protocol

import (
	"strconv"
	"strings"
)

// Opcodes understood by the electrode controller.
const (
	OpSet      = "S"
	OpClear    = "C"
	OpClearAll = "CAP"
	OpVersion  = "VER"

	// VersionReplyMarker prefixes device version replies. A version reply is
	// generated by the device and is never a literal echo of a command.
	VersionReplyMarker = "V"
)

// SetPlate builds the command energizing the plate at (x, y).
func SetPlate(x, y int) string {
	return OpSet + strconv.Itoa(x) + strconv.Itoa(y)
}

// ClearPlate builds the command de-energizing the plate at (x, y).
func ClearPlate(x, y int) string {
	return OpClear + strconv.Itoa(x) + strconv.Itoa(y)
}

// ClearAll builds the command de-energizing every plate.
func ClearAll() string {
	return OpClearAll
}

// Version builds the firmware version query.
func Version() string {
	return OpVersion
}

// IsVersionReply reports whether an inbound frame is a version reply.
func IsVersionReply(frame string) bool {
	return strings.HasPrefix(frame, VersionReplyMarker)
}

// Opcode returns the opcode of an outbound command, used for labelling.
func Opcode(cmd string) string {
	switch {
	case cmd == OpClearAll:
		return OpClearAll
	case cmd == OpVersion:
		return OpVersion
	case strings.HasPrefix(cmd, OpSet):
		return OpSet
	case strings.HasPrefix(cmd, OpClear):
		return OpClear
	default:
		return "unknown"
	}
}
