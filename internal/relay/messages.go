package relay

import (
	"time"

	"github.com/danmuck/dgram/internal/protocol"
)

// Application commands carried over an established session.
const (
	CommandChat  protocol.Command = 10
	CommandPeers protocol.Command = 11
	CommandLeave protocol.Command = 12
)

// Chat is one relayed line.
type Chat struct {
	From string
	Text string
}

// EncodeChatRequest is what a member sends to the room.
func EncodeChatRequest(text string) *protocol.Buffer {
	return protocol.NewMessage(CommandChat, protocol.String(text))
}

// EncodeChat is what the room fans out to the other members.
func EncodeChat(c Chat) *protocol.Buffer {
	return protocol.NewMessage(CommandChat, protocol.String(c.From), protocol.String(c.Text))
}

func DecodeChat(buf *protocol.Buffer) (Chat, error) {
	from, err := buf.GetString()
	if err != nil {
		return Chat{}, err
	}
	text, err := buf.GetString()
	if err != nil {
		return Chat{}, err
	}
	return Chat{From: from, Text: text}, nil
}

// Member is one row of a peer listing.
type Member struct {
	Slot     int32
	Addr     string
	Liveness time.Duration
}

func EncodePeers(members []Member) *protocol.Buffer {
	buf := protocol.NewMessage(CommandPeers, protocol.Int32(int32(len(members))))
	for _, m := range members {
		buf.Put(
			protocol.Int32(m.Slot),
			protocol.String(m.Addr),
			protocol.Float64(float64(m.Liveness)/float64(time.Millisecond)),
		)
	}
	return buf
}

func DecodePeers(buf *protocol.Buffer) ([]Member, error) {
	n, err := buf.GetInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, protocol.ErrInvalidLength
	}
	members := make([]Member, 0, min(int(n), 64))
	for i := int32(0); i < n; i++ {
		slot, err := buf.GetInt32()
		if err != nil {
			return nil, err
		}
		addr, err := buf.GetString()
		if err != nil {
			return nil, err
		}
		ms, err := buf.GetFloat64()
		if err != nil {
			return nil, err
		}
		members = append(members, Member{
			Slot:     slot,
			Addr:     addr,
			Liveness: time.Duration(ms * float64(time.Millisecond)),
		})
	}
	return members, nil
}
