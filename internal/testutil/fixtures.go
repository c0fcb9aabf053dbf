package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/graph"
	"github.com/trustgraph/trustops/internal/op"
	"github.com/trustgraph/trustops/internal/sig"
)

// Version is the protocol version fixtures are built with.
const Version = 6

// Identity is a test user with a real ed25519 key pair. Its ID is derived
// from the public key, so it verifies through the legacy fallback until a
// signing key is stored for it.
type Identity struct {
	ID         string
	PublicKey  string
	PrivateKey string
}

// NewIdentity generates a fresh identity.
func NewIdentity(t testing.TB) *Identity {
	t.Helper()
	kp, err := sig.GenerateKey()
	require.NoError(t, err)
	return &Identity{ID: kp.ID, PublicKey: kp.PublicKey, PrivateKey: kp.PrivateKey}
}

// User returns the graph record of the identity with no stored key.
func (i *Identity) User() graph.User {
	return graph.User{ID: i.ID}
}

// NewContext returns a context with a fresh sponsor key pair, a secret
// key and the given number of sponsorships, plus the sponsor private key.
func NewContext(t testing.TB, name string, sponsorships int) graph.Context {
	t.Helper()
	kp, err := sig.GenerateKey()
	require.NoError(t, err)
	return graph.Context{
		Name:               name,
		Verification:       name,
		SponsorPublicKey:   kp.PublicKey,
		SponsorPrivateKey:  kp.PrivateKey,
		SecretKey:          name + "-secret",
		UnusedSponsorships: sponsorships,
	}
}

// Sign fills every signature o requires, in op.Signers order, using the
// given private keys, and sets o.Key to the content hash. It returns o.
func Sign(t testing.TB, o *op.Operation, privateKeys ...string) *op.Operation {
	t.Helper()
	msg, err := op.Message(o)
	require.NoError(t, err)
	signers, err := op.Signers(o)
	require.NoError(t, err)
	require.Len(t, privateKeys, len(signers), "one key per signer of %s", o.Name())

	for i, s := range signers {
		signature, err := sig.Sign(privateKeys[i], msg)
		require.NoError(t, err)
		require.NoError(t, op.SetSignature(o, s.Field, signature))
	}
	o.Key = op.Hash(msg)
	return o
}

func newOp(ts int64, b op.Body) *op.Operation {
	return &op.Operation{Version: Version, Timestamp: ts, Body: b}
}

// AddConnection builds a dual-signed Add Connection.
func AddConnection(t testing.TB, a, b *Identity, ts int64) *op.Operation {
	t.Helper()
	return Sign(t, newOp(ts, &op.AddConnection{ID1: a.ID, ID2: b.ID}), a.PrivateKey, b.PrivateKey)
}

// AddMembership builds a signed Add Membership.
func AddMembership(t testing.TB, u *Identity, group string, ts int64) *op.Operation {
	t.Helper()
	return Sign(t, newOp(ts, &op.AddMembership{ID: u.ID, Group: group}), u.PrivateKey)
}

// AddGroup builds a signed Add Group founded by founder with the other
// founders invited.
func AddGroup(t testing.TB, founder *Identity, group string, others []*Identity, ts int64) *op.Operation {
	t.Helper()
	b := &op.AddGroup{Group: group, ID1: founder.ID, Type: "general"}
	if len(others) > 0 {
		b.ID2, b.InviteData2 = others[0].ID, "invite-"+others[0].ID
	}
	if len(others) > 1 {
		b.ID3, b.InviteData3 = others[1].ID, "invite-"+others[1].ID
	}
	return Sign(t, newOp(ts, b), founder.PrivateKey)
}

// SetTrustedConnections builds a signed Set Trusted Connections.
func SetTrustedConnections(t testing.TB, u *Identity, trusted []string, ts int64) *op.Operation {
	t.Helper()
	return Sign(t, newOp(ts, &op.SetTrustedConnections{ID: u.ID, Trusted: trusted}), u.PrivateKey)
}

// SetSigningKey builds a Set Signing Key for u signed by two of its
// trusted connections.
func SetSigningKey(t testing.TB, u *Identity, newKey string, s1, s2 *Identity, ts int64) *op.Operation {
	t.Helper()
	b := &op.SetSigningKey{ID: u.ID, SigningKey: newKey, ID1: s1.ID, ID2: s2.ID}
	return Sign(t, newOp(ts, b), s1.PrivateKey, s2.PrivateKey)
}

// Sponsor builds a Sponsor signed with the context's sponsor key. Exactly
// one of id and contextID is normally set.
func Sponsor(t testing.TB, c graph.Context, id, contextID string, ts int64) *op.Operation {
	t.Helper()
	b := &op.Sponsor{Context: c.Name, ID: id, ContextID: contextID}
	return Sign(t, newOp(ts, b), c.SponsorPrivateKey)
}

// LinkContextID builds a plaintext Link ContextId signed by u.
func LinkContextID(t testing.TB, u *Identity, contextName, contextID string, ts int64) *op.Operation {
	t.Helper()
	b := &op.LinkContextID{ID: u.ID, Context: contextName, ContextID: contextID}
	return Sign(t, newOp(ts, b), u.PrivateKey)
}

// Invite builds a signed Invite.
func Invite(t testing.TB, inviter, invitee *Identity, group string, ts int64) *op.Operation {
	t.Helper()
	b := &op.Invite{Inviter: inviter.ID, Invitee: invitee.ID, Group: group, Data: "sealed-group-key"}
	return Sign(t, newOp(ts, b), inviter.PrivateKey)
}
