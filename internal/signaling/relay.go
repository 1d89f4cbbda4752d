// Package signaling relays WebRTC-style peer signals between connections
// that share a room. Payloads are forwarded untouched.
package signaling

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/canvasrelay/internal/room"
)

const (
	EventJoined    = "joined"
	EventSignal    = "signal"
	EventLeft      = "left"
	EventAwareness = "awareness"
)

type Joined struct {
	Room  string   `json:"room"`
	Peers []string `json:"peers"`
}

type Signal struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type Left struct {
	Room   string `json:"room"`
	PeerID string `json:"peerId"`
}

type Awareness struct {
	Room    string          `json:"room"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Relay owns the signaling rooms. Scoped and global sessions share one
// relay only if they are meant to see each other; the gateway keeps one
// relay per channel kind.
type Relay struct {
	hub *room.Hub
	log zerolog.Logger
}

func NewRelay(log zerolog.Logger) *Relay {
	return &Relay{hub: room.NewHub(), log: log.With().Str("component", "signaling").Logger()}
}

// Session is one peer's view of the relay. An empty scope makes a global
// session that may join any room and send awareness updates.
type Session struct {
	relay *Relay
	peer  room.Member
	scope string
}

func (r *Relay) Session(peer room.Member, scope string) *Session {
	return &Session{relay: r, peer: peer, scope: strings.TrimSpace(scope)}
}

func (s *Session) Global() bool {
	return s.scope == ""
}

// JoinRoom adds the peer to name and returns the other members in join
// order. Scoped sessions may only join their own scope; other names are
// ignored and ok is false.
func (s *Session) JoinRoom(name string) (Joined, bool) {
	name = strings.TrimSpace(name)
	if name == "" || (!s.Global() && name != s.scope) {
		s.relay.log.Debug().Str("conn_id", s.peer.ID()).Str("room", name).Str("scope", s.scope).Msg("ignoring join outside scope")
		return Joined{}, false
	}
	s.relay.hub.Join(name, s.peer)
	return Joined{Room: name, Peers: s.relay.hub.Peers(name, s.peer.ID())}, true
}

// Signal delivers payload to the peer with id to, stamped with the sender's
// id. It reports false when to does not share a room with the sender.
func (s *Session) Signal(to string, payload json.RawMessage) bool {
	name, ok := s.relay.hub.Shared(s.peer.ID(), to)
	if !ok {
		s.relay.log.Debug().Str("conn_id", s.peer.ID()).Str("to", to).Msg("dropping signal to unknown peer")
		return false
	}
	target, ok := s.relay.hub.Member(name, to)
	if !ok {
		return false
	}
	return target.Send(EventSignal, Signal{From: s.peer.ID(), Payload: payload})
}

// Awareness fans payload out to the other members of name. Only global
// sessions that have joined name may send it.
func (s *Session) Awareness(name string, payload json.RawMessage) int {
	if !s.Global() || !s.relay.hub.IsMember(name, s.peer.ID()) {
		return 0
	}
	return s.relay.hub.BroadcastExcept(name, s.peer.ID(), EventAwareness, Awareness{Room: name, From: s.peer.ID(), Payload: payload})
}

// Close removes the peer from every room and tells the remaining members.
func (s *Session) Close() {
	for _, name := range s.relay.hub.LeaveAll(s.peer.ID()) {
		s.relay.hub.Broadcast(name, EventLeft, Left{Room: name, PeerID: s.peer.ID()})
	}
}
