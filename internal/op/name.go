package op

// Name identifies an operation type. Values are the wire spellings used by
// submitters and are part of every signed message.
type Name string

const (
	NameAddConnection         Name = "Add Connection"
	NameRemoveConnection      Name = "Remove Connection"
	NameAddGroup              Name = "Add Group"
	NameRemoveGroup           Name = "Remove Group"
	NameAddMembership         Name = "Add Membership"
	NameRemoveMembership      Name = "Remove Membership"
	NameSetTrustedConnections Name = "Set Trusted Connections"
	NameSetSigningKey         Name = "Set Signing Key"
	NameSponsor               Name = "Sponsor"
	NameLinkContextID         Name = "Link ContextId"
	NameInvite                Name = "Invite"
	NameDismiss               Name = "Dismiss"
	NameAddAdmin              Name = "Add Admin"
)

// Names lists every operation name in declaration order.
var Names = []Name{
	NameAddConnection,
	NameRemoveConnection,
	NameAddGroup,
	NameRemoveGroup,
	NameAddMembership,
	NameRemoveMembership,
	NameSetTrustedConnections,
	NameSetSigningKey,
	NameSponsor,
	NameLinkContextID,
	NameInvite,
	NameDismiss,
	NameAddAdmin,
}

// Valid reports whether n is one of the known operation names.
func (n Name) Valid() bool {
	for _, known := range Names {
		if n == known {
			return true
		}
	}
	return false
}

// State is the lifecycle position of an operation record.
type State string

const (
	// StateInit marks a record admitted at ingestion and awaiting apply.
	StateInit State = "init"
	// StateApplied marks a record whose mutation succeeded.
	StateApplied State = "applied"
	// StateFailed marks a record whose verification or mutation failed.
	StateFailed State = "failed"
	// StateIgnored marks a Link ContextId record naming an unknown context.
	StateIgnored State = "ignored"
	// StateDuplicate marks an evaluation of an already-recorded hash.
	StateDuplicate State = "duplicate"
)

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateFailed, StateIgnored, StateDuplicate:
		return true
	}
	return false
}
