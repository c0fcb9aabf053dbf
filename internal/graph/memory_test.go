package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustgraph/trustops/internal/op"
)

func TestUserNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.User(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUserReturnsCopy(t *testing.T) {
	m := NewMemory()
	m.PutUser(User{ID: "alice", Verifications: []string{"Verified"}})

	u, err := m.User(context.Background(), "alice")
	require.NoError(t, err)
	u.Verifications[0] = "tampered"

	again, err := m.User(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Verified"}, again.Verifications)
}

func TestAddConnectionCreatesUsersAndParent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: "alice", Verifications: []string{"Verified"}})

	res, err := m.AddConnection(ctx, &op.AddConnection{ID1: "alice", ID2: "bob"}, 10)
	require.NoError(t, err)
	assert.Equal(t, LevelJustMet, res["level"])

	bob, err := m.User(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", bob.Parent)
	assert.Equal(t, int64(10), bob.CreatedAt)

	alice, err := m.User(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, alice.Parent, "verified users do not adopt a parent")

	_, ok := m.Connection("alice", "bob")
	assert.True(t, ok)
	_, ok = m.Connection("bob", "alice")
	assert.True(t, ok)
}

func TestAddConnectionKeepsFirstParent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: "v1", Verifications: []string{"Verified"}})
	m.PutUser(User{ID: "v2", Verifications: []string{"Verified"}})

	_, err := m.AddConnection(ctx, &op.AddConnection{ID1: "v1", ID2: "bob"}, 1)
	require.NoError(t, err)
	_, err = m.AddConnection(ctx, &op.AddConnection{ID1: "bob", ID2: "v2"}, 2)
	require.NoError(t, err)

	bob, err := m.User(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "v1", bob.Parent)
}

func TestAddConnectionSelf(t *testing.T) {
	_, err := NewMemory().AddConnection(context.Background(), &op.AddConnection{ID1: "a", ID2: "a"}, 1)
	assert.Error(t, err)
}

func TestRemoveConnection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.RemoveConnection(ctx, &op.RemoveConnection{ID1: "a", ID2: "b"}, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.AddConnection(ctx, &op.AddConnection{ID1: "a", ID2: "b"}, 1)
	require.NoError(t, err)
	res, err := m.RemoveConnection(ctx, &op.RemoveConnection{ID1: "a", ID2: "b", Reason: "spam"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "spam", res["reason"])

	_, ok := m.Connection("b", "a")
	assert.False(t, ok)
}

func newGroupGraph(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		m.PutUser(User{ID: id})
	}
	_, err := m.AddGroup(context.Background(), &op.AddGroup{Group: "g1", ID1: "alice", ID2: "bob", InviteData2: "x", ID3: "carol", InviteData3: "y", Type: "general"}, 1)
	require.NoError(t, err)
	return m
}

func TestGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newGroupGraph(t)

	g, err := m.Group("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, g.Founders)
	assert.Equal(t, []string{"alice"}, g.Members)
	assert.True(t, m.HasInvite("g1", "bob"))

	res, err := m.AddMembership(ctx, &op.AddMembership{ID: "bob", Group: "g1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res["members"])
	assert.False(t, m.HasInvite("g1", "bob"))

	g, err = m.Group("g1")
	require.NoError(t, err)
	assert.Contains(t, g.Admins, "bob", "founders become admins on joining")

	_, err = m.AddMembership(ctx, &op.AddMembership{ID: "dave", Group: "g1"}, 3)
	assert.Error(t, err, "dave has no invite")

	_, err = m.Invite(ctx, &op.Invite{Inviter: "alice", Invitee: "dave", Group: "g1", Data: "d"}, 4)
	require.NoError(t, err)
	_, err = m.AddMembership(ctx, &op.AddMembership{ID: "dave", Group: "g1"}, 5)
	require.NoError(t, err)

	_, err = m.AddAdmin(ctx, &op.AddAdmin{ID: "alice", Admin: "dave", Group: "g1"}, 6)
	require.NoError(t, err)
	_, err = m.AddAdmin(ctx, &op.AddAdmin{ID: "alice", Admin: "dave", Group: "g1"}, 7)
	assert.Error(t, err, "already an admin")

	_, err = m.Dismiss(ctx, &op.Dismiss{Dismisser: "dave", Dismissee: "bob", Group: "g1"}, 8)
	require.NoError(t, err)

	_, err = m.RemoveMembership(ctx, &op.RemoveMembership{ID: "dave", Group: "g1"}, 9)
	require.NoError(t, err)
	g, err = m.Group("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, g.Members)
	assert.Equal(t, []string{"alice"}, g.Admins)

	_, err = m.RemoveGroup(ctx, &op.RemoveGroup{ID: "carol", Group: "g1"}, 10)
	assert.Error(t, err, "carol is not an admin")
	_, err = m.RemoveGroup(ctx, &op.RemoveGroup{ID: "alice", Group: "g1"}, 10)
	require.NoError(t, err)
	_, err = m.Group("g1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, m.HasInvite("g1", "carol"))
}

func TestAddGroupErrors(t *testing.T) {
	ctx := context.Background()
	m := newGroupGraph(t)

	_, err := m.AddGroup(ctx, &op.AddGroup{Group: "g1", ID1: "alice"}, 2)
	assert.Error(t, err, "duplicate group")

	_, err = m.AddGroup(ctx, &op.AddGroup{Group: "g2", ID1: "ghost"}, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInviteRequiresAdmin(t *testing.T) {
	m := newGroupGraph(t)
	_, err := m.Invite(context.Background(), &op.Invite{Inviter: "bob", Invitee: "dave", Group: "g1"}, 2)
	assert.Error(t, err)
}

func TestSetSigningKeyRequiresTrustedSigners(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: "alice"})

	b := &op.SetSigningKey{ID: "alice", SigningKey: "new", ID1: "bob", ID2: "carol"}
	_, err := m.SetSigningKey(ctx, b, 1)
	assert.Error(t, err)

	_, err = m.SetTrustedConnections(ctx, &op.SetTrustedConnections{ID: "alice", Trusted: []string{"bob", "carol"}}, 1)
	require.NoError(t, err)
	_, err = m.SetSigningKey(ctx, b, 2)
	require.NoError(t, err)

	u, err := m.User(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, u.SigningKeys)

	_, err = m.SetSigningKey(ctx, &op.SetSigningKey{ID: "alice", SigningKey: "k", ID1: "bob", ID2: "bob"}, 3)
	assert.Error(t, err)
}

func TestSetTrustedConnectionsRejectsSelf(t *testing.T) {
	m := NewMemory()
	m.PutUser(User{ID: "alice"})
	_, err := m.SetTrustedConnections(context.Background(), &op.SetTrustedConnections{ID: "alice", Trusted: []string{"alice"}}, 1)
	assert.Error(t, err)
}

func TestSponsorConsumesSlotOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: "alice"})
	m.PutContext(Context{Name: "idchain", UnusedSponsorships: 1})

	res, err := m.Sponsor(ctx, &op.Sponsor{Context: "idchain", ID: "alice"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res["remaining"])

	_, err = m.Sponsor(ctx, &op.Sponsor{Context: "idchain", ID: "alice"}, 2)
	require.NoError(t, err, "re-sponsoring is a no-op")

	m.PutUser(User{ID: "bob"})
	_, err = m.Sponsor(ctx, &op.Sponsor{Context: "idchain", ID: "bob"}, 3)
	assert.Error(t, err, "no slots left")

	_, err = m.Sponsor(ctx, &op.Sponsor{Context: "missing", ID: "bob"}, 3)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLinkContextID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: "alice"})
	m.PutUser(User{ID: "bob"})
	m.PutContext(Context{Name: "hex", IDsAsHex: true})

	res, err := m.LinkContextID(ctx, &op.LinkContextID{ID: "alice", Context: "hex", ContextID: "ABCDEF"}, 1)
	require.NoError(t, err)
	assert.Equal(t, op.Result{"linked": true}, res)

	owner, err := m.ContextIDOwner(ctx, "hex", "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = m.LinkContextID(ctx, &op.LinkContextID{ID: "alice", Context: "hex", ContextID: "abcdef"}, 2)
	require.NoError(t, err, "relinking to the same user")

	_, err = m.LinkContextID(ctx, &op.LinkContextID{ID: "bob", Context: "hex", ContextID: "abcdef"}, 3)
	assert.Error(t, err)

	_, err = m.LinkContextID(ctx, &op.LinkContextID{ID: "bob", Context: "hex", ContextID: "xyz"}, 3)
	assert.Error(t, err, "not hex")

	_, err = m.ContextIDOwner(ctx, "hex", "00")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNormalizeContextID(t *testing.T) {
	eth := &Context{Name: "eth", EthName: "Ethereum"}
	got, err := NormalizeContextID(eth, "0x52908400098527886E0F7030069857D2E4169EE7")
	require.NoError(t, err)
	assert.Equal(t, "0x52908400098527886e0f7030069857d2e4169ee7", got)

	_, err = NormalizeContextID(eth, "0x1234")
	assert.ErrorIs(t, err, ErrMalformedContextID)

	_, err = NormalizeContextID(&Context{Name: "hex", IDsAsHex: true}, "0xnothex")
	assert.ErrorIs(t, err, ErrMalformedContextID)

	plain := &Context{Name: "plain"}
	got, err = NormalizeContextID(plain, "MixedCase")
	require.NoError(t, err)
	assert.Equal(t, "MixedCase", got)
}

func TestSeedContextKeepsSponsorships(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutContext(Context{Name: "idchain", UnusedSponsorships: 3, SecretKey: "old"})
	m.SeedContext(Context{Name: "idchain", UnusedSponsorships: 100, SecretKey: "new"})

	c, err := m.Context(ctx, "idchain")
	require.NoError(t, err)
	assert.Equal(t, 3, c.UnusedSponsorships)
	assert.Equal(t, "new", c.SecretKey)

	m.SeedContext(Context{Name: "fresh", UnusedSponsorships: 7})
	c, err = m.Context(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 7, c.UnusedSponsorships)
}
