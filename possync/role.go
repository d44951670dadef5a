// Copyright 2025 Babd BTC
// SPDX-License-Identifier: Apache-2.0

package possync

// TerminalRole captures what a terminal's role permits. Engines hold one
// concrete behavior selected at startup instead of branching on the role
// at every call site.
type TerminalRole interface {
	Name() Role

	// ManagesDevices permits approve/deny/revoke and pending-request polls.
	ManagesDevices() bool

	// ForwardsTokens reports whether captured tokens should leave this
	// terminal (true only for sub-terminals).
	ForwardsTokens() bool

	// MayStopSync decides whether the terminal may disable sync itself.
	// Approved sub-terminals with sync enabled may not: central recording
	// only stops when the main terminal revokes them.
	MayStopSync(status ApprovalStatus, enabled bool) bool
}

// MainRoleBehavior is the authoritative terminal for a network.
type MainRoleBehavior struct{}

func (MainRoleBehavior) Name() Role           { return RoleMain }
func (MainRoleBehavior) ManagesDevices() bool { return true }
func (MainRoleBehavior) ForwardsTokens() bool { return false }

func (MainRoleBehavior) MayStopSync(ApprovalStatus, bool) bool { return true }

// SubRoleBehavior is a terminal admitted (or awaiting admission) to a
// network run by a main terminal.
type SubRoleBehavior struct{}

func (SubRoleBehavior) Name() Role           { return RoleSub }
func (SubRoleBehavior) ManagesDevices() bool { return false }
func (SubRoleBehavior) ForwardsTokens() bool { return true }

func (SubRoleBehavior) MayStopSync(status ApprovalStatus, enabled bool) bool {
	return !(status == ApprovalApproved && enabled)
}

// RoleBehavior returns the behavior for a stored role.
func RoleBehavior(role Role) TerminalRole {
	if role == RoleMain {
		return MainRoleBehavior{}
	}
	return SubRoleBehavior{}
}
