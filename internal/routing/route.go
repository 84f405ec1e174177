// Package routing decides which agent owns an inbound conversation and
// derives its session key.
package routing

import (
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/sessions"
)

// MatchedBy records which rule selected the agent.
const (
	MatchedByPeer    = "binding.peer"
	MatchedByAccount = "binding.account"
	MatchedByChannel = "binding.channel"
	MatchedByDefault = "default"
)

// Peer identifies the conversation being routed.
type Peer struct {
	Kind sessions.PeerKind
	ID   string
}

// RouteInput describes an inbound message for routing.
type RouteInput struct {
	Channel   string
	AccountID string
	Peer      Peer
}

// Route is the routing decision for one inbound message.
type Route struct {
	AgentID    string
	SessionKey string
	AccountID  string
	MatchedBy  string
}

// Resolver resolves routes from config bindings.
type Resolver interface {
	ResolveAgentRoute(in RouteInput) Route
}

// ConfigResolver reads bindings from a live config on every call, so
// reloaded bindings apply without restart.
type ConfigResolver struct {
	cfg *config.Config
}

// NewResolver creates a ConfigResolver.
func NewResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// ResolveAgentRoute picks the agent by priority: peer binding, then
// account binding, then channel-wide binding, then the default agent.
// Within one priority the first binding in config order wins.
func (r *ConfigResolver) ResolveAgentRoute(in RouteInput) Route {
	accountID := in.AccountID
	if accountID == "" {
		accountID = config.DefaultAccountID
	}

	agentID, matchedBy := r.match(in, accountID)
	return Route{
		AgentID:    agentID,
		SessionKey: sessions.BuildSessionKey(agentID, in.Channel, in.Peer.Kind, in.Peer.ID),
		AccountID:  accountID,
		MatchedBy:  matchedBy,
	}
}

func (r *ConfigResolver) match(in RouteInput, accountID string) (string, string) {
	bindings := r.cfg.BindingsSnapshot()

	accountOK := func(m config.BindingMatch) bool {
		return m.AccountID == "" || m.AccountID == "*" || m.AccountID == accountID
	}

	// Peer-level match (most specific)
	for _, b := range bindings {
		m := b.Match
		if m.Channel != in.Channel || m.Peer == nil || !accountOK(m) {
			continue
		}
		if sessions.PeerKind(m.Peer.Kind) == in.Peer.Kind && m.Peer.ID == in.Peer.ID {
			return config.NormalizeAgentID(b.AgentID), MatchedByPeer
		}
	}

	for _, b := range bindings {
		m := b.Match
		if m.Channel == in.Channel && m.Peer == nil && m.AccountID != "" && m.AccountID != "*" && m.AccountID == accountID {
			return config.NormalizeAgentID(b.AgentID), MatchedByAccount
		}
	}

	// Channel-level match (no peer or account constraint)
	for _, b := range bindings {
		m := b.Match
		if m.Channel == in.Channel && m.Peer == nil && (m.AccountID == "" || m.AccountID == "*") {
			return config.NormalizeAgentID(b.AgentID), MatchedByChannel
		}
	}

	return r.cfg.ResolveDefaultAgentID(), MatchedByDefault
}
