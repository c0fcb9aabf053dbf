package graph

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/trustgraph/trustops/internal/op"
)

type connKey struct{ from, to string }

type inviteKey struct{ group, invitee string }

type linkKey struct{ context, contextID string }

// Memory is an in-memory Store. One mutex serializes every mutation, which
// covers the per-entity serialization the engine expects from its store.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]*User
	contexts    map[string]*Context
	connections map[connKey]*Connection
	groups      map[string]*Group
	invites     map[inviteKey]*Invite
	links       map[linkKey]*Link
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty graph.
func NewMemory() *Memory {
	return &Memory{
		users:       map[string]*User{},
		contexts:    map[string]*Context{},
		connections: map[connKey]*Connection{},
		groups:      map[string]*Group{},
		invites:     map[inviteKey]*Invite{},
		links:       map[linkKey]*Link{},
	}
}

// PutUser inserts or replaces a user.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u.clone()
}

// PutContext inserts or replaces a context.
func (m *Memory) PutContext(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[c.Name] = c.clone()
}

// SeedContext inserts c, or refreshes the key material and flags of an
// existing context of the same name while keeping its remaining
// sponsorships.
func (m *Memory) SeedContext(c Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.contexts[c.Name]; ok {
		c.UnusedSponsorships = existing.UnusedSponsorships
	}
	m.contexts[c.Name] = c.clone()
}

// User implements Reader.
func (m *Memory) User(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u.clone(), nil
}

// Context implements Reader.
func (m *Memory) Context(_ context.Context, name string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", name, ErrNotFound)
	}
	return c.clone(), nil
}

// ContextIDOwner implements Reader.
func (m *Memory) ContextIDOwner(_ context.Context, contextName, contextID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[contextName]
	if !ok {
		return "", fmt.Errorf("context %s: %w", contextName, ErrNotFound)
	}
	normalized, err := NormalizeContextID(c, contextID)
	if err != nil {
		return "", err
	}
	l, ok := m.links[linkKey{contextName, normalized}]
	if !ok {
		return "", fmt.Errorf("context id in %s: %w", contextName, ErrNotFound)
	}
	return l.User, nil
}

// Connection returns the directed edge from → to.
func (m *Memory) Connection(from, to string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[connKey{from, to}]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// Group returns a copy of the group with the given id.
func (m *Memory) Group(id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return g.clone(), nil
}

// HasInvite reports whether invitee holds a pending invite into group.
func (m *Memory) HasInvite(group, invitee string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.invites[inviteKey{group, invitee}]
	return ok
}

func (m *Memory) ensureUser(id string, ts int64) *User {
	u, ok := m.users[id]
	if !ok {
		u = &User{ID: id, CreatedAt: ts}
		m.users[id] = u
	}
	return u
}

func (m *Memory) user(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *Memory) group(id string) (*Group, error) {
	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", id, ErrNotFound)
	}
	return g, nil
}

func (m *Memory) admin(groupID, id string) (*Group, error) {
	g, err := m.group(groupID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(g.Admins, id) {
		return nil, fmt.Errorf("%s is not an admin of group %s", id, groupID)
	}
	return g, nil
}

// AddConnection creates both users if needed and records the edge in both
// directions. A user without verifications adopts a verified counterpart
// as parent the first time they connect.
func (m *Memory) AddConnection(_ context.Context, b *op.AddConnection, ts int64) (op.Result, error) {
	if b.ID1 == b.ID2 {
		return nil, fmt.Errorf("cannot connect %s to itself", b.ID1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u1 := m.ensureUser(b.ID1, ts)
	u2 := m.ensureUser(b.ID2, ts)
	adoptParent(u1, u2)
	adoptParent(u2, u1)

	m.connections[connKey{b.ID1, b.ID2}] = &Connection{From: b.ID1, To: b.ID2, Level: LevelJustMet, Timestamp: ts}
	m.connections[connKey{b.ID2, b.ID1}] = &Connection{From: b.ID2, To: b.ID1, Level: LevelJustMet, Timestamp: ts}
	return op.Result{"level": LevelJustMet}, nil
}

func adoptParent(u, other *User) {
	if u.Parent == "" && len(u.Verifications) == 0 && len(other.Verifications) > 0 {
		u.Parent = other.ID
	}
}

// RemoveConnection drops both directions of an existing edge.
func (m *Memory) RemoveConnection(_ context.Context, b *op.RemoveConnection, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.connections[connKey{b.ID1, b.ID2}]; !ok {
		return nil, fmt.Errorf("connection %s -> %s: %w", b.ID1, b.ID2, ErrNotFound)
	}
	delete(m.connections, connKey{b.ID1, b.ID2})
	delete(m.connections, connKey{b.ID2, b.ID1})

	res := op.Result{"removed": true}
	if b.Reason != "" {
		res["reason"] = b.Reason
	}
	return res, nil
}

// AddGroup creates a group with ID1 as its first member and admin, and
// invites the other founders.
func (m *Memory) AddGroup(_ context.Context, b *op.AddGroup, ts int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[b.Group]; ok {
		return nil, fmt.Errorf("group %s already exists", b.Group)
	}
	if _, err := m.user(b.ID1); err != nil {
		return nil, err
	}

	founders := []string{b.ID1}
	for _, id := range []string{b.ID2, b.ID3} {
		if id != "" && !slices.Contains(founders, id) {
			founders = append(founders, id)
		}
	}
	m.groups[b.Group] = &Group{
		ID:        b.Group,
		Type:      b.Type,
		URL:       b.URL,
		Founders:  founders,
		Admins:    []string{b.ID1},
		Members:   []string{b.ID1},
		CreatedAt: ts,
	}
	if b.ID2 != "" {
		m.invites[inviteKey{b.Group, b.ID2}] = &Invite{Group: b.Group, Inviter: b.ID1, Invitee: b.ID2, Data: b.InviteData2, Timestamp: ts}
	}
	if b.ID3 != "" {
		m.invites[inviteKey{b.Group, b.ID3}] = &Invite{Group: b.Group, Inviter: b.ID1, Invitee: b.ID3, Data: b.InviteData3, Timestamp: ts}
	}
	return op.Result{"group": b.Group, "founders": len(founders)}, nil
}

// RemoveGroup deletes a group and its pending invites. Only admins may do
// so.
func (m *Memory) RemoveGroup(_ context.Context, b *op.RemoveGroup, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.admin(b.Group, b.ID); err != nil {
		return nil, err
	}
	delete(m.groups, b.Group)
	for k := range m.invites {
		if k.group == b.Group {
			delete(m.invites, k)
		}
	}
	return op.Result{"group": b.Group}, nil
}

// AddMembership consumes the user's invite into the group.
func (m *Memory) AddMembership(_ context.Context, b *op.AddMembership, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.group(b.Group)
	if err != nil {
		return nil, err
	}
	if _, err := m.user(b.ID); err != nil {
		return nil, err
	}
	if slices.Contains(g.Members, b.ID) {
		return nil, fmt.Errorf("%s is already a member of group %s", b.ID, b.Group)
	}
	key := inviteKey{b.Group, b.ID}
	if _, ok := m.invites[key]; !ok {
		return nil, fmt.Errorf("%s has no invite into group %s", b.ID, b.Group)
	}
	delete(m.invites, key)
	g.Members = append(g.Members, b.ID)

	// Founders become admins once they join.
	if slices.Contains(g.Founders, b.ID) && !slices.Contains(g.Admins, b.ID) {
		g.Admins = append(g.Admins, b.ID)
	}
	return op.Result{"group": b.Group, "members": len(g.Members)}, nil
}

// RemoveMembership removes the user from the group, dropping admin rights
// too.
func (m *Memory) RemoveMembership(_ context.Context, b *op.RemoveMembership, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.group(b.Group)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(g.Members, b.ID) {
		return nil, fmt.Errorf("%s is not a member of group %s", b.ID, b.Group)
	}
	g.Members = remove(g.Members, b.ID)
	g.Admins = remove(g.Admins, b.ID)
	return op.Result{"group": b.Group, "members": len(g.Members)}, nil
}

// SetTrustedConnections replaces the user's trusted set.
func (m *Memory) SetTrustedConnections(_ context.Context, b *op.SetTrustedConnections, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.user(b.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range b.Trusted {
		if t == b.ID {
			return nil, fmt.Errorf("%s cannot trust itself", b.ID)
		}
	}
	u.TrustedConnections = slices.Clone(b.Trusted)
	return op.Result{"trusted": len(u.TrustedConnections)}, nil
}

// SetSigningKey replaces the user's signing keys. Both signers must be
// distinct trusted connections of the user.
func (m *Memory) SetSigningKey(_ context.Context, b *op.SetSigningKey, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.user(b.ID)
	if err != nil {
		return nil, err
	}
	if b.ID1 == b.ID2 {
		return nil, fmt.Errorf("signing key recovery needs two distinct trusted connections")
	}
	for _, signer := range []string{b.ID1, b.ID2} {
		if !slices.Contains(u.TrustedConnections, signer) {
			return nil, fmt.Errorf("%s is not a trusted connection of %s", signer, b.ID)
		}
	}
	u.SigningKeys = []string{b.SigningKey}
	return op.Result{"id": b.ID}, nil
}

// Sponsor marks the user sponsored, consuming one of the context's unused
// sponsorships. Sponsoring an already sponsored user consumes nothing.
func (m *Memory) Sponsor(_ context.Context, b *op.Sponsor, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[b.Context]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", b.Context, ErrNotFound)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("sponsor target was not resolved")
	}
	u, err := m.user(b.ID)
	if err != nil {
		return nil, err
	}
	if u.Sponsored {
		return op.Result{"sponsored": true, "remaining": c.UnusedSponsorships}, nil
	}
	if c.UnusedSponsorships <= 0 {
		return nil, fmt.Errorf("context %s has no unused sponsorships", b.Context)
	}
	c.UnusedSponsorships--
	u.Sponsored = true
	return op.Result{"sponsored": true, "remaining": c.UnusedSponsorships}, nil
}

// LinkContextID links a context identifier to the user. An identifier
// already linked to a different user is rejected; relinking to the same
// user is a no-op.
func (m *Memory) LinkContextID(_ context.Context, b *op.LinkContextID, ts int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contexts[b.Context]
	if !ok {
		return nil, fmt.Errorf("context %s: %w", b.Context, ErrNotFound)
	}
	if _, err := m.user(b.ID); err != nil {
		return nil, err
	}
	normalized, err := NormalizeContextID(c, b.ContextID)
	if err != nil {
		return nil, err
	}

	key := linkKey{b.Context, normalized}
	if l, ok := m.links[key]; ok {
		if l.User != b.ID {
			return nil, fmt.Errorf("context id is already linked to another user in %s", b.Context)
		}
		return op.Result{"linked": true}, nil
	}
	m.links[key] = &Link{Context: b.Context, ContextID: normalized, User: b.ID, Timestamp: ts}

	// The result is persisted next to the sealed link, so it must not
	// reveal the user or the context identifier.
	return op.Result{"linked": true}, nil
}

// Invite records a pending invite. The inviter must be an admin and the
// invitee must exist and not already be a member.
func (m *Memory) Invite(_ context.Context, b *op.Invite, ts int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.admin(b.Group, b.Inviter)
	if err != nil {
		return nil, err
	}
	if _, err := m.user(b.Invitee); err != nil {
		return nil, err
	}
	if slices.Contains(g.Members, b.Invitee) {
		return nil, fmt.Errorf("%s is already a member of group %s", b.Invitee, b.Group)
	}
	m.invites[inviteKey{b.Group, b.Invitee}] = &Invite{
		Group:     b.Group,
		Inviter:   b.Inviter,
		Invitee:   b.Invitee,
		Data:      b.Data,
		Timestamp: ts,
	}
	return op.Result{"group": b.Group, "invitee": b.Invitee}, nil
}

// Dismiss removes a member on behalf of an admin.
func (m *Memory) Dismiss(_ context.Context, b *op.Dismiss, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.admin(b.Group, b.Dismisser)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(g.Members, b.Dismissee) {
		return nil, fmt.Errorf("%s is not a member of group %s", b.Dismissee, b.Group)
	}
	g.Members = remove(g.Members, b.Dismissee)
	g.Admins = remove(g.Admins, b.Dismissee)
	return op.Result{"group": b.Group, "members": len(g.Members)}, nil
}

// AddAdmin grants admin rights to an existing member.
func (m *Memory) AddAdmin(_ context.Context, b *op.AddAdmin, _ int64) (op.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.admin(b.Group, b.ID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(g.Members, b.Admin) {
		return nil, fmt.Errorf("%s is not a member of group %s", b.Admin, b.Group)
	}
	if slices.Contains(g.Admins, b.Admin) {
		return nil, fmt.Errorf("%s is already an admin of group %s", b.Admin, b.Group)
	}
	g.Admins = append(g.Admins, b.Admin)
	return op.Result{"group": b.Group, "admins": len(g.Admins)}, nil
}

func remove(values []string, id string) []string {
	return slices.DeleteFunc(values, func(v string) bool { return v == id })
}
