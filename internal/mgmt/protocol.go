// Package mgmt implements the length-prefixed management protocol:
// credential auth followed by a loop of admin commands, sharing the same
// internal/mux.Selector event loop as the SOCKS5 listener. Command and
// status codes follow original_source/src/admin/admin_protocol.h's
// ADMIN_CMD_*/ADMIN_STATUS_* enums; CmdGetUser has no original_source
// counterpart and is a supplemented addition (SPEC_FULL.md §4).
package mgmt

// Version is the only protocol version either frame kind carries.
const Version = 0x01

// Command identifies an admin-protocol request frame.
type Command byte

const (
	CmdGetMetrics      Command = 0x01
	CmdListUsers       Command = 0x02
	CmdAddUser         Command = 0x03
	CmdDelUser         Command = 0x04
	CmdListConnections Command = 0x05
	CmdChangePassword  Command = 0x06
	CmdChangeRole      Command = 0x07
	CmdGetUser         Command = 0x08
)

// Status identifies the outcome of a processed command, mirroring
// ADMIN_STATUS_* from original_source.
type Status byte

const (
	StatusOK               Status = 0x00
	StatusError            Status = 0x01
	StatusInvalidCmd       Status = 0x02
	StatusUserExists       Status = 0x03
	StatusUserNotFound     Status = 0x04
	StatusPermissionDenied Status = 0x05
	StatusInvalidArgs      Status = 0x06
	StatusAuthFailed       Status = 0x07
)

// adminCommands is the set of commands requiring an active admin account;
// every other recognized command only requires a successfully
// authenticated connection.
var adminCommands = map[Command]bool{
	CmdAddUser:        true,
	CmdDelUser:        true,
	CmdChangePassword: true,
	CmdChangeRole:     true,
}

// RequiresAdmin reports whether cmd is gated on the admin role.
func RequiresAdmin(cmd Command) bool {
	return adminCommands[cmd]
}

// KnownCommand reports whether cmd is one this server recognizes.
func KnownCommand(cmd Command) bool {
	switch cmd {
	case CmdGetMetrics, CmdListUsers, CmdAddUser, CmdDelUser, CmdListConnections,
		CmdChangePassword, CmdChangeRole, CmdGetUser:
		return true
	default:
		return false
	}
}
