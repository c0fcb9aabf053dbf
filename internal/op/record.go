package op

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireRecord is the flat attribute bag submitters send and the store
// persists. Every operation name uses a subset of these attributes.
type wireRecord struct {
	Name      string `json:"name"`
	Version   int    `json:"v"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
	State     string `json:"state"`
	Result    Result `json:"result"`

	ID          string   `json:"id"`
	ID1         string   `json:"id1"`
	ID2         string   `json:"id2"`
	ID3         string   `json:"id3"`
	Sig         string   `json:"sig"`
	Sig1        string   `json:"sig1"`
	Sig2        string   `json:"sig2"`
	Reason      string   `json:"reason"`
	Group       string   `json:"group"`
	InviteData2 string   `json:"inviteData2"`
	InviteData3 string   `json:"inviteData3"`
	URL         string   `json:"url"`
	Type        string   `json:"type"`
	Trusted     []string `json:"trusted"`
	SigningKey  string   `json:"signingKey"`
	Context     string   `json:"context"`
	ContextID   string   `json:"contextId"`
	Encrypted   string   `json:"encrypted"`
	Inviter     string   `json:"inviter"`
	Invitee     string   `json:"invitee"`
	Data        string   `json:"data"`
	Dismisser   string   `json:"dismisser"`
	Dismissee   string   `json:"dismissee"`
	Admin       string   `json:"admin"`
}

// EncodeRecord serializes o to canonical JSON. Empty attributes are
// omitted, so two operations with the same content always encode to the
// same bytes.
func EncodeRecord(o *Operation) ([]byte, error) {
	attrs, err := attributes(o)
	if err != nil {
		return nil, err
	}
	data, err := MarshalCanonical(attrs)
	if err != nil {
		return nil, WrapError(CodeInvalidOperation, err, "encode %s record", o.Name())
	}
	return data, nil
}

// DecodeRecord parses a JSON attribute bag into an Operation. Attributes
// no operation defines are rejected. Numbers in the result are kept as
// json.Number so that re-encoding is lossless.
func DecodeRecord(data []byte) (*Operation, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var w wireRecord
	if err := dec.Decode(&w); err != nil {
		return nil, WrapError(CodeInvalidOperation, err, "malformed operation record")
	}
	return fromWire(&w)
}

// MarshalJSON implements json.Marshaler using the canonical record form.
func (o *Operation) MarshalJSON() ([]byte, error) {
	return EncodeRecord(o)
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operation) UnmarshalJSON(data []byte) error {
	decoded, err := DecodeRecord(data)
	if err != nil {
		return err
	}
	*o = *decoded
	return nil
}

func attributes(o *Operation) (map[string]any, error) {
	if o == nil || o.Body == nil {
		return nil, NewError(CodeInvalidOperation, "operation has no body")
	}

	attrs := map[string]any{
		"name":      string(o.Name()),
		"v":         o.Version,
		"timestamp": o.Timestamp,
	}
	if o.Key != "" {
		attrs["hash"] = o.Key
	}
	if o.State != "" {
		attrs["state"] = string(o.State)
	}
	if len(o.Result) > 0 {
		attrs["result"] = o.Result
	}

	set := func(field, value string) {
		if value != "" {
			attrs[field] = value
		}
	}

	switch b := o.Body.(type) {
	case *AddConnection:
		set("id1", b.ID1)
		set("id2", b.ID2)
		set("sig1", b.Sig1)
		set("sig2", b.Sig2)
	case *RemoveConnection:
		set("id1", b.ID1)
		set("id2", b.ID2)
		set("reason", b.Reason)
		set("sig1", b.Sig1)
	case *AddGroup:
		set("group", b.Group)
		set("id1", b.ID1)
		set("id2", b.ID2)
		set("inviteData2", b.InviteData2)
		set("id3", b.ID3)
		set("inviteData3", b.InviteData3)
		set("url", b.URL)
		set("type", b.Type)
		set("sig1", b.Sig1)
	case *RemoveGroup:
		set("id", b.ID)
		set("group", b.Group)
		set("sig", b.Sig)
	case *AddMembership:
		set("id", b.ID)
		set("group", b.Group)
		set("sig", b.Sig)
	case *RemoveMembership:
		set("id", b.ID)
		set("group", b.Group)
		set("sig", b.Sig)
	case *SetTrustedConnections:
		set("id", b.ID)
		attrs["trusted"] = append([]string{}, b.Trusted...)
		set("sig", b.Sig)
	case *SetSigningKey:
		set("id", b.ID)
		set("signingKey", b.SigningKey)
		set("id1", b.ID1)
		set("id2", b.ID2)
		set("sig1", b.Sig1)
		set("sig2", b.Sig2)
	case *Sponsor:
		set("context", b.Context)
		set("id", b.ID)
		set("contextId", b.ContextID)
		set("sig", b.Sig)
	case *LinkContextID:
		set("context", b.Context)
		set("id", b.ID)
		set("contextId", b.ContextID)
		set("encrypted", b.Encrypted)
		set("sig", b.Sig)
	case *Invite:
		set("inviter", b.Inviter)
		set("invitee", b.Invitee)
		set("group", b.Group)
		set("data", b.Data)
		set("sig", b.Sig)
	case *Dismiss:
		set("dismisser", b.Dismisser)
		set("dismissee", b.Dismissee)
		set("group", b.Group)
		set("sig", b.Sig)
	case *AddAdmin:
		set("id", b.ID)
		set("admin", b.Admin)
		set("group", b.Group)
		set("sig", b.Sig)
	default:
		return nil, NewError(CodeInvalidOperation, "unknown operation %q", o.Name())
	}
	return attrs, nil
}

func fromWire(w *wireRecord) (*Operation, error) {
	o := &Operation{
		Version:   w.Version,
		Timestamp: w.Timestamp,
		Key:       w.Hash,
		State:     State(w.State),
		Result:    w.Result,
	}
	if o.State != "" && o.State != StateInit && !o.State.Terminal() {
		return nil, NewError(CodeInvalidOperation, "unknown state %q", w.State)
	}

	switch Name(w.Name) {
	case NameAddConnection:
		o.Body = &AddConnection{ID1: w.ID1, ID2: w.ID2, Sig1: w.Sig1, Sig2: w.Sig2}
	case NameRemoveConnection:
		o.Body = &RemoveConnection{ID1: w.ID1, ID2: w.ID2, Reason: w.Reason, Sig1: w.Sig1}
	case NameAddGroup:
		o.Body = &AddGroup{
			Group:       w.Group,
			ID1:         w.ID1,
			ID2:         w.ID2,
			InviteData2: w.InviteData2,
			ID3:         w.ID3,
			InviteData3: w.InviteData3,
			URL:         w.URL,
			Type:        w.Type,
			Sig1:        w.Sig1,
		}
	case NameRemoveGroup:
		o.Body = &RemoveGroup{ID: w.ID, Group: w.Group, Sig: w.Sig}
	case NameAddMembership:
		o.Body = &AddMembership{ID: w.ID, Group: w.Group, Sig: w.Sig}
	case NameRemoveMembership:
		o.Body = &RemoveMembership{ID: w.ID, Group: w.Group, Sig: w.Sig}
	case NameSetTrustedConnections:
		o.Body = &SetTrustedConnections{ID: w.ID, Trusted: w.Trusted, Sig: w.Sig}
	case NameSetSigningKey:
		o.Body = &SetSigningKey{
			ID:         w.ID,
			SigningKey: w.SigningKey,
			ID1:        w.ID1,
			ID2:        w.ID2,
			Sig1:       w.Sig1,
			Sig2:       w.Sig2,
		}
	case NameSponsor:
		if w.ID == "" && w.ContextID == "" {
			return nil, NewError(CodeInvalidOperation, "sponsor needs id or contextId")
		}
		o.Body = &Sponsor{Context: w.Context, ID: w.ID, ContextID: w.ContextID, Sig: w.Sig}
	case NameLinkContextID:
		if w.Encrypted != "" && (w.ID != "" || w.ContextID != "") {
			return nil, NewError(CodeInvalidOperation, "link record holds both encrypted and plaintext fields")
		}
		o.Body = &LinkContextID{
			ID:        w.ID,
			Context:   w.Context,
			ContextID: w.ContextID,
			Encrypted: w.Encrypted,
			Sig:       w.Sig,
		}
	case NameInvite:
		o.Body = &Invite{Inviter: w.Inviter, Invitee: w.Invitee, Group: w.Group, Data: w.Data, Sig: w.Sig}
	case NameDismiss:
		o.Body = &Dismiss{Dismisser: w.Dismisser, Dismissee: w.Dismissee, Group: w.Group, Sig: w.Sig}
	case NameAddAdmin:
		o.Body = &AddAdmin{ID: w.ID, Admin: w.Admin, Group: w.Group, Sig: w.Sig}
	default:
		return nil, NewError(CodeInvalidOperation, "unknown operation %q", w.Name)
	}
	return o, nil
}

// String renders o for logs. Signatures and link payloads are omitted.
func (o *Operation) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(key=%s, state=%s)", o.Name(), o.Key, o.State)
}
