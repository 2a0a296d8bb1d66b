package relay

import (
	"errors"

	"github.com/danmuck/dgram/internal/dispatcher"
	"github.com/danmuck/dgram/internal/protocol"
	"github.com/danmuck/dgram/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Hub is the part of a dispatcher the room drives.
type Hub interface {
	SendBuffer(s *session.Session, buf *protocol.Buffer) error
	BroadcastBuffer(buf *protocol.Buffer, exclude *session.Session) error
	Sessions() []*session.Session
	Remove(s *session.Session) bool
}

// Room relays chat lines between every admitted member.
type Room struct {
	hub Hub
	log zerolog.Logger
}

func NewRoom() *Room {
	return &Room{log: log.With().Str("component", "relay").Logger()}
}

// Attach binds the room to the dispatcher built from its Handlers.
func (r *Room) Attach(hub Hub) {
	r.hub = hub
}

func (r *Room) Handlers() dispatcher.Handlers {
	return dispatcher.Handlers{
		OnConnect:    r.onConnect,
		OnData:       r.onData,
		OnDisconnect: r.onDisconnect,
	}
}

func (r *Room) onConnect(s *session.Session) {
	r.announce(s, "joined")
}

func (r *Room) onDisconnect(s *session.Session, err error) {
	r.log.Warn().Err(err).Str("peer", s.String()).Msg("member lost")
	r.announce(s, "left")
}

func (r *Room) onData(s *session.Session, cmd protocol.Command, buf *protocol.Buffer) {
	switch cmd {
	case CommandChat:
		text, err := buf.GetString()
		if err != nil {
			r.log.Debug().Err(err).Str("peer", s.String()).Msg("bad chat payload")
			return
		}
		r.broadcast(EncodeChat(Chat{From: s.String(), Text: text}), s)
	case CommandPeers:
		if err := r.hub.SendBuffer(s, EncodePeers(r.members())); err != nil {
			r.log.Warn().Err(err).Str("peer", s.String()).Msg("send peer list failed")
		}
	case CommandLeave:
		if r.hub.Remove(s) {
			r.announce(s, "left")
		}
	default:
		r.log.Debug().Str("peer", s.String()).Int32("cmd", int32(cmd)).Msg("unhandled command")
	}
}

func (r *Room) members() []Member {
	sessions := r.hub.Sessions()
	out := make([]Member, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Member{
			Slot:     int32(s.Slot()),
			Addr:     s.String(),
			Liveness: s.Liveness(),
		})
	}
	return out
}

func (r *Room) announce(s *session.Session, what string) {
	r.broadcast(EncodeChat(Chat{From: "room", Text: s.String() + " " + what}), s)
}

func (r *Room) broadcast(buf *protocol.Buffer, exclude *session.Session) {
	err := r.hub.BroadcastBuffer(buf, exclude)
	var bErr *dispatcher.BroadcastError
	if errors.As(err, &bErr) {
		for _, f := range bErr.Failures {
			r.log.Warn().Err(f.Err).Str("peer", f.Session.String()).Msg("relay send failed")
		}
		return
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("relay broadcast failed")
	}
}
