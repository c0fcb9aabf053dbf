package graph

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Snapshot is the serialisable form of a Memory graph. Context key
// material is not part of it; contexts are re-seeded from configuration.
type Snapshot struct {
	Users       []User       `yaml:"users"`
	Contexts    []Context    `yaml:"contexts"`
	Connections []Connection `yaml:"connections"`
	Groups      []Group      `yaml:"groups"`
	Invites     []Invite     `yaml:"invites"`
	Links       []Link       `yaml:"links"`
}

// Snapshot returns a sorted copy of the graph.
func (m *Memory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Snapshot
	for _, u := range m.users {
		s.Users = append(s.Users, *u.clone())
	}
	for _, c := range m.contexts {
		s.Contexts = append(s.Contexts, *c.clone())
	}
	for _, c := range m.connections {
		s.Connections = append(s.Connections, *c)
	}
	for _, g := range m.groups {
		s.Groups = append(s.Groups, *g.clone())
	}
	for _, i := range m.invites {
		s.Invites = append(s.Invites, *i)
	}
	for _, l := range m.links {
		s.Links = append(s.Links, *l)
	}

	slices.SortFunc(s.Users, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Contexts, func(a, b Context) int { return cmp.Compare(a.Name, b.Name) })
	slices.SortFunc(s.Connections, func(a, b Connection) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})
	slices.SortFunc(s.Groups, func(a, b Group) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(s.Invites, func(a, b Invite) int {
		return cmp.Or(cmp.Compare(a.Group, b.Group), cmp.Compare(a.Invitee, b.Invitee))
	})
	slices.SortFunc(s.Links, func(a, b Link) int {
		return cmp.Or(cmp.Compare(a.Context, b.Context), cmp.Compare(a.ContextID, b.ContextID))
	})
	return s
}

// FromSnapshot builds a Memory graph from s.
func FromSnapshot(s Snapshot) *Memory {
	m := NewMemory()
	for _, u := range s.Users {
		m.users[u.ID] = u.clone()
	}
	for _, c := range s.Contexts {
		m.contexts[c.Name] = c.clone()
	}
	for _, c := range s.Connections {
		cp := c
		m.connections[connKey{c.From, c.To}] = &cp
	}
	for _, g := range s.Groups {
		m.groups[g.ID] = g.clone()
	}
	for _, i := range s.Invites {
		cp := i
		m.invites[inviteKey{i.Group, i.Invitee}] = &cp
	}
	for _, l := range s.Links {
		cp := l
		m.links[linkKey{l.Context, l.ContextID}] = &cp
	}
	return m
}

// LoadSnapshot reads a YAML snapshot. A missing file yields an empty
// graph.
func LoadSnapshot(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewMemory(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read graph snapshot: %w", err)
	}

	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse graph snapshot %s: %w", path, err)
	}
	return FromSnapshot(s), nil
}

// SaveSnapshot writes m to path as YAML, replacing the file atomically.
func SaveSnapshot(path string, m *Memory) error {
	data, err := yaml.Marshal(m.Snapshot())
	if err != nil {
		return fmt.Errorf("encode graph snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace graph snapshot: %w", err)
	}
	return nil
}
