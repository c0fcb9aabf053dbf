package op

import "slices"

// Operation is one signed mutation request together with its evaluation
// outcome. Body carries the fields that are specific to the operation name.
type Operation struct {
	Version   int
	Timestamp int64 // milliseconds since epoch, client supplied
	Key       string
	State     State
	Result    Result
	Body      Body
}

// Result is the outcome payload recorded with an operation: the value
// returned by the graph mutation, or a failure description.
type Result map[string]any

// Body is implemented by exactly one struct per operation name.
type Body interface {
	Name() Name
	clone() Body
}

// Name returns the operation name, or "" when no body is set.
func (o *Operation) Name() Name {
	if o == nil || o.Body == nil {
		return ""
	}
	return o.Body.Name()
}

// Clone returns a deep copy. Evaluation mutates records (decryption,
// sponsor rewriting), so handlers work on copies of caller input.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Result != nil {
		c.Result = make(Result, len(o.Result))
		for k, v := range o.Result {
			c.Result[k] = v
		}
	}
	if o.Body != nil {
		c.Body = o.Body.clone()
	}
	return &c
}

// FailureResult builds the result recorded for a failed operation.
func FailureResult(err error) Result {
	r := Result{"error": err.Error()}
	if code := CodeOf(err); code != "" {
		r["code"] = string(code)
	}
	return r
}

// AddConnection is signed by both parties.
type AddConnection struct {
	ID1  string
	ID2  string
	Sig1 string
	Sig2 string
}

func (*AddConnection) Name() Name { return NameAddConnection }
func (b *AddConnection) clone() Body {
	c := *b
	return &c
}

type RemoveConnection struct {
	ID1    string
	ID2    string
	Reason string
	Sig1   string
}

func (*RemoveConnection) Name() Name { return NameRemoveConnection }
func (b *RemoveConnection) clone() Body {
	c := *b
	return &c
}

// AddGroup creates a group founded by ID1, inviting ID2 and ID3 with
// opaque invite payloads.
type AddGroup struct {
	Group       string
	ID1         string
	ID2         string
	InviteData2 string
	ID3         string
	InviteData3 string
	URL         string
	Type        string
	Sig1        string
}

func (*AddGroup) Name() Name { return NameAddGroup }
func (b *AddGroup) clone() Body {
	c := *b
	return &c
}

type RemoveGroup struct {
	ID    string
	Group string
	Sig   string
}

func (*RemoveGroup) Name() Name { return NameRemoveGroup }
func (b *RemoveGroup) clone() Body {
	c := *b
	return &c
}

type AddMembership struct {
	ID    string
	Group string
	Sig   string
}

func (*AddMembership) Name() Name { return NameAddMembership }
func (b *AddMembership) clone() Body {
	c := *b
	return &c
}

type RemoveMembership struct {
	ID    string
	Group string
	Sig   string
}

func (*RemoveMembership) Name() Name { return NameRemoveMembership }
func (b *RemoveMembership) clone() Body {
	c := *b
	return &c
}

type SetTrustedConnections struct {
	ID      string
	Trusted []string
	Sig     string
}

func (*SetTrustedConnections) Name() Name { return NameSetTrustedConnections }
func (b *SetTrustedConnections) clone() Body {
	c := *b
	c.Trusted = slices.Clone(b.Trusted)
	return &c
}

// SetSigningKey replaces ID's signing key. It is signed by two of ID's
// trusted connections (ID1, ID2), not by ID itself.
type SetSigningKey struct {
	ID         string
	SigningKey string
	ID1        string
	ID2        string
	Sig1       string
	Sig2       string
}

func (*SetSigningKey) Name() Name { return NameSetSigningKey }
func (b *SetSigningKey) clone() Body {
	c := *b
	return &c
}

// Sponsor is signed with the context's sponsor key. Submitters may name the
// sponsored identity directly (ID) or by its external ContextID.
type Sponsor struct {
	Context   string
	ID        string
	ContextID string
	Sig       string
}

func (*Sponsor) Name() Name { return NameSponsor }
func (b *Sponsor) clone() Body {
	c := *b
	return &c
}

// LinkContextID links an external context identifier to ID. While
// persisted, ID and ContextID are replaced by Encrypted.
type LinkContextID struct {
	ID        string
	Context   string
	ContextID string
	Encrypted string
	Sig       string
}

func (*LinkContextID) Name() Name { return NameLinkContextID }
func (b *LinkContextID) clone() Body {
	c := *b
	return &c
}

// IsEncrypted reports whether the sensitive pair is currently sealed.
func (b *LinkContextID) IsEncrypted() bool {
	return b.Encrypted != "" && b.ID == "" && b.ContextID == ""
}

type Invite struct {
	Inviter string
	Invitee string
	Group   string
	Data    string
	Sig     string
}

func (*Invite) Name() Name { return NameInvite }
func (b *Invite) clone() Body {
	c := *b
	return &c
}

type Dismiss struct {
	Dismisser string
	Dismissee string
	Group     string
	Sig       string
}

func (*Dismiss) Name() Name { return NameDismiss }
func (b *Dismiss) clone() Body {
	c := *b
	return &c
}

// AddAdmin is signed by ID, an existing admin of Group.
type AddAdmin struct {
	ID    string
	Admin string
	Group string
	Sig   string
}

func (*AddAdmin) Name() Name { return NameAddAdmin }
func (b *AddAdmin) clone() Body {
	c := *b
	return &c
}
