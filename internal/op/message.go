package op

import (
	"strconv"
	"strings"
)

// Message returns the exact string that must have been signed for o.
//
// Fields are concatenated without delimiters unless the layout for the
// name says otherwise (Sponsor and Link ContextId are comma-joined, the
// trusted list is comma-joined). Fields not listed for a name are not
// signed. For Link ContextId the body must be decrypted first.
func Message(o *Operation) (string, error) {
	if o == nil || o.Body == nil {
		return "", NewError(CodeInvalidOperation, "operation has no body")
	}
	ts := strconv.FormatInt(o.Timestamp, 10)
	name := string(o.Name())

	switch b := o.Body.(type) {
	case *AddConnection:
		return concat(name, b.ID1, b.ID2, ts), nil
	case *RemoveConnection:
		return concat(name, b.ID1, b.ID2, b.Reason, ts), nil
	case *AddGroup:
		return concat(name, b.Group, b.ID1, b.ID2, b.InviteData2, b.ID3, b.InviteData3, b.URL, b.Type, ts), nil
	case *RemoveGroup:
		return concat(name, b.ID, b.Group, ts), nil
	case *AddMembership:
		return concat(name, b.ID, b.Group, ts), nil
	case *RemoveMembership:
		return concat(name, b.ID, b.Group, ts), nil
	case *SetTrustedConnections:
		return concat(name, b.ID, strings.Join(b.Trusted, ","), ts), nil
	case *SetSigningKey:
		return concat(name, b.ID, b.SigningKey, ts), nil
	case *Sponsor:
		target := b.ID
		if target == "" {
			target = b.ContextID
		}
		return strings.Join([]string{name, b.Context, target}, ","), nil
	case *LinkContextID:
		if b.IsEncrypted() {
			return "", NewError(CodeInvalidOperation, "link payload is still encrypted")
		}
		return strings.Join([]string{name, b.Context, b.ContextID, ts}, ","), nil
	case *Invite:
		return concat(name, b.Inviter, b.Invitee, b.Group, b.Data, ts), nil
	case *Dismiss:
		return concat(name, b.Dismisser, b.Dismissee, b.Group, ts), nil
	case *AddAdmin:
		return concat(name, b.ID, b.Admin, b.Group, ts), nil
	default:
		return "", NewError(CodeInvalidOperation, "unknown operation %q", o.Name())
	}
}

func concat(parts ...string) string {
	return strings.Join(parts, "")
}

// SignerKind distinguishes identity signatures from context signatures.
type SignerKind int

const (
	SignerUser SignerKind = iota + 1
	SignerContext
)

// Signer is one signature an operation must carry. Field is the wire
// attribute holding the signature ("sig", "sig1", "sig2").
type Signer struct {
	Kind      SignerKind
	ID        string
	Signature string
	Field     string
}

// Signers lists the signatures that must independently verify for o.
func Signers(o *Operation) ([]Signer, error) {
	if o == nil || o.Body == nil {
		return nil, NewError(CodeInvalidOperation, "operation has no body")
	}
	user := func(id, sig, field string) Signer {
		return Signer{Kind: SignerUser, ID: id, Signature: sig, Field: field}
	}

	switch b := o.Body.(type) {
	case *AddConnection:
		return []Signer{user(b.ID1, b.Sig1, "sig1"), user(b.ID2, b.Sig2, "sig2")}, nil
	case *RemoveConnection:
		return []Signer{user(b.ID1, b.Sig1, "sig1")}, nil
	case *AddGroup:
		return []Signer{user(b.ID1, b.Sig1, "sig1")}, nil
	case *RemoveGroup:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	case *AddMembership:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	case *RemoveMembership:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	case *SetTrustedConnections:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	case *SetSigningKey:
		return []Signer{user(b.ID1, b.Sig1, "sig1"), user(b.ID2, b.Sig2, "sig2")}, nil
	case *Sponsor:
		return []Signer{{Kind: SignerContext, ID: b.Context, Signature: b.Sig, Field: "sig"}}, nil
	case *LinkContextID:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	case *Invite:
		return []Signer{user(b.Inviter, b.Sig, "sig")}, nil
	case *Dismiss:
		return []Signer{user(b.Dismisser, b.Sig, "sig")}, nil
	case *AddAdmin:
		return []Signer{user(b.ID, b.Sig, "sig")}, nil
	default:
		return nil, NewError(CodeInvalidOperation, "unknown operation %q", o.Name())
	}
}

// SetSignature stores sig in the attribute named by field. It is used by
// tooling that signs operations and by sponsor rewriting.
func SetSignature(o *Operation, field, sig string) error {
	if o == nil || o.Body == nil {
		return NewError(CodeInvalidOperation, "operation has no body")
	}
	var target *string
	switch b := o.Body.(type) {
	case *AddConnection:
		target = pick(field, &b.Sig1, &b.Sig2)
	case *RemoveConnection:
		target = pick(field, &b.Sig1, nil)
	case *AddGroup:
		target = pick(field, &b.Sig1, nil)
	case *SetSigningKey:
		target = pick(field, &b.Sig1, &b.Sig2)
	case *RemoveGroup:
		target = single(field, &b.Sig)
	case *AddMembership:
		target = single(field, &b.Sig)
	case *RemoveMembership:
		target = single(field, &b.Sig)
	case *SetTrustedConnections:
		target = single(field, &b.Sig)
	case *Sponsor:
		target = single(field, &b.Sig)
	case *LinkContextID:
		target = single(field, &b.Sig)
	case *Invite:
		target = single(field, &b.Sig)
	case *Dismiss:
		target = single(field, &b.Sig)
	case *AddAdmin:
		target = single(field, &b.Sig)
	}
	if target == nil {
		return NewError(CodeInvalidOperation, "%s has no signature field %q", o.Name(), field)
	}
	*target = sig
	return nil
}

func pick(field string, sig1, sig2 *string) *string {
	switch field {
	case "sig1":
		return sig1
	case "sig2":
		return sig2
	}
	return nil
}

func single(field string, sig *string) *string {
	if field == "sig" {
		return sig
	}
	return nil
}

// SenderKind distinguishes identity senders from context senders.
type SenderKind int

const (
	SenderUser SenderKind = iota + 1
	SenderContext
)

// Sender is an attribute of an operation that is charged for admission.
type Sender struct {
	Kind SenderKind
	ID   string
}

// Senders lists who an operation is attributed to for rate limiting. An
// operation naming several senders is admitted if any one of them is under
// its bucket's limit.
func Senders(o *Operation) ([]Sender, error) {
	if o == nil || o.Body == nil {
		return nil, NewError(CodeInvalidOperation, "operation has no body")
	}
	users := func(ids ...string) []Sender {
		out := make([]Sender, 0, len(ids))
		for _, id := range ids {
			out = append(out, Sender{Kind: SenderUser, ID: id})
		}
		return out
	}

	switch b := o.Body.(type) {
	case *AddConnection:
		return users(b.ID1, b.ID2), nil
	case *RemoveConnection:
		return users(b.ID1), nil
	case *AddGroup:
		return users(b.ID1), nil
	case *RemoveGroup:
		return users(b.ID), nil
	case *AddMembership:
		return users(b.ID), nil
	case *RemoveMembership:
		return users(b.ID), nil
	case *SetTrustedConnections:
		return users(b.ID), nil
	case *SetSigningKey:
		return users(b.ID), nil
	case *Sponsor:
		return []Sender{{Kind: SenderContext, ID: b.Context}}, nil
	case *LinkContextID:
		return users(b.ID), nil
	case *Invite:
		return users(b.Inviter), nil
	case *Dismiss:
		return users(b.Dismisser), nil
	case *AddAdmin:
		return users(b.ID), nil
	default:
		return nil, NewError(CodeInvalidOperation, "unknown operation %q", o.Name())
	}
}
