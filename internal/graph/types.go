package graph

import "slices"

// User is an identity in the graph.
type User struct {
	ID string `yaml:"id"`

	// SigningKeys are standard base64 ed25519 public keys. Empty means the
	// user predates signing keys and verifies with the legacy fallback.
	SigningKeys []string `yaml:"signing_keys,omitempty"`

	Verifications []string `yaml:"verifications,omitempty"`

	// Parent is the first verified user that connected to this one.
	Parent string `yaml:"parent,omitempty"`

	Sponsored          bool     `yaml:"sponsored,omitempty"`
	TrustedConnections []string `yaml:"trusted_connections,omitempty"`
	CreatedAt          int64    `yaml:"created_at"`
}

// HasVerification reports whether u holds label.
func (u *User) HasVerification(label string) bool {
	return slices.Contains(u.Verifications, label)
}

// HasAnyVerification reports whether u holds at least one of labels.
func (u *User) HasAnyVerification(labels []string) bool {
	for _, l := range labels {
		if u.HasVerification(l) {
			return true
		}
	}
	return false
}

func (u *User) clone() *User {
	c := *u
	c.SigningKeys = slices.Clone(u.SigningKeys)
	c.Verifications = slices.Clone(u.Verifications)
	c.TrustedConnections = slices.Clone(u.TrustedConnections)
	return &c
}

// Context is an external namespace that links its own identifiers to
// users and sponsors them.
type Context struct {
	Name         string `yaml:"name"`
	Verification string `yaml:"verification,omitempty"`

	// SponsorPublicKey verifies Sponsor operations; SponsorPrivateKey lets
	// the node re-sign them after resolving a context identifier.
	SponsorPublicKey  string `yaml:"sponsor_public_key,omitempty"`
	SponsorPrivateKey string `yaml:"-"`

	// SecretKey seals Link ContextId payloads. Never sent to clients.
	SecretKey string `yaml:"-"`

	IDsAsHex           bool   `yaml:"ids_as_hex,omitempty"`
	EthName            string `yaml:"eth_name,omitempty"`
	UnusedSponsorships int    `yaml:"unused_sponsorships"`
}

func (c *Context) clone() *Context {
	cp := *c
	return &cp
}

// Connection levels.
const (
	LevelJustMet = "just met"
)

// Connection is a directed edge from one user to another.
type Connection struct {
	From      string `yaml:"from"`
	To        string `yaml:"to"`
	Level     string `yaml:"level"`
	Timestamp int64  `yaml:"timestamp"`
}

// Group is a set of users administered by its admins.
type Group struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type,omitempty"`
	URL       string   `yaml:"url,omitempty"`
	Founders  []string `yaml:"founders"`
	Admins    []string `yaml:"admins"`
	Members   []string `yaml:"members"`
	CreatedAt int64    `yaml:"created_at"`
}

func (g *Group) clone() *Group {
	c := *g
	c.Founders = slices.Clone(g.Founders)
	c.Admins = slices.Clone(g.Admins)
	c.Members = slices.Clone(g.Members)
	return &c
}

// Invite is a pending invitation of a user into a group.
type Invite struct {
	Group     string `yaml:"group"`
	Inviter   string `yaml:"inviter"`
	Invitee   string `yaml:"invitee"`
	Data      string `yaml:"data,omitempty"`
	Timestamp int64  `yaml:"timestamp"`
}

// Link ties a context identifier to a user.
type Link struct {
	Context   string `yaml:"context"`
	ContextID string `yaml:"context_id"`
	User      string `yaml:"user"`
	Timestamp int64  `yaml:"timestamp"`
}
