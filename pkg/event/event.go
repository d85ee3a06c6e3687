package event

import (
	"fmt"
	"time"

	"wcfbridge/pkg/codec"
	"wcfbridge/pkg/sdk"
)

// Kind classifies an SDK notification.
type Kind string

const (
	KindMessage       Kind = "message"
	KindFriendRequest Kind = "friend_request"
	KindSystem        Kind = "system"
	KindLoginStatus   Kind = "login_status"
)

// Message type ids that change the event kind.
const (
	typeFriendRequest = 37
	typeSystem        = 10000
	typeSystemRevoke  = 10002
)

// Event is one decoded notification from the event socket.
type Event struct {
	Kind       Kind
	MsgID      uint64
	Type       uint32
	Sender     string
	RoomID     string
	IsSelf     bool
	IsGroup    bool
	Timestamp  time.Time
	Content    string
	Source     string
	Thumb      string
	Extra      string
	Sign       string
	Raw        []byte
	ReceivedAt time.Time
}

// DecodeError means an event frame could not be decoded at all.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode unpacks one raw event frame body.
func Decode(frame []byte) (Event, error) {
	var msg sdk.Message
	if err := codec.Unmarshal(frame, &msg); err != nil {
		return Event{}, &DecodeError{Err: err}
	}

	ev := Event{
		Kind:       kindOf(msg),
		MsgID:      msg.ID,
		Type:       msg.Type,
		Sender:     msg.Sender,
		RoomID:     msg.RoomID,
		IsSelf:     msg.IsSelf,
		IsGroup:    msg.IsGroup,
		Content:    msg.Content,
		Source:     msg.XML,
		Thumb:      msg.Thumb,
		Extra:      msg.Extra,
		Sign:       msg.Sign,
		Raw:        frame,
		ReceivedAt: time.Now().UTC(),
	}
	if msg.Ts > 0 {
		ev.Timestamp = time.Unix(int64(msg.Ts), 0).UTC()
	}

	return ev, nil
}

func kindOf(msg sdk.Message) Kind {
	if msg.Kind != "" {
		return Kind(msg.Kind)
	}

	switch msg.Type {
	case typeFriendRequest:
		return KindFriendRequest
	case typeSystem, typeSystemRevoke:
		return KindSystem
	default:
		return KindMessage
	}
}
