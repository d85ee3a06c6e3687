package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/clbanning/mxj/v2"
	"github.com/google/uuid"
)

// Markup reports what happened to embedded markup in the content.
type Markup string

const (
	MarkupNone   Markup = "none"
	MarkupParsed Markup = "parsed"
	MarkupFailed Markup = "failed"
)

// NormalizedEvent is the sink-facing form of an Event. Raw always holds the
// content exactly as received.
type NormalizedEvent struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	MsgID      uint64            `json:"msg_id"`
	Type       uint32            `json:"type"`
	Sender     string            `json:"sender,omitempty"`
	RoomID     string            `json:"room_id,omitempty"`
	IsSelf     bool              `json:"is_self"`
	IsGroup    bool              `json:"is_group"`
	Timestamp  time.Time         `json:"ts,omitzero"`
	ReceivedAt time.Time         `json:"received_at"`
	Content    string            `json:"content"`
	Markup     Markup            `json:"markup"`
	Fields     map[string]string `json:"fields,omitempty"`
	ParseError string            `json:"parse_error,omitempty"`
	Source     string            `json:"source,omitempty"`
	Thumb      string            `json:"thumb,omitempty"`
	Extra      string            `json:"extra,omitempty"`
	Raw        string            `json:"raw"`
}

// ParseError is the markup failure recorded on a NormalizedEvent.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse markup: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Normalize flattens markup content into Fields. Every leaf is keyed by its
// dotted path (msg.appmsg.title) and, when no other leaf shares the name, by
// the bare element name (title). A parse failure is recorded on the result;
// the event is never dropped.
func Normalize(ev Event) NormalizedEvent {
	out := NormalizedEvent{
		ID:         uuid.NewString(),
		Kind:       ev.Kind,
		MsgID:      ev.MsgID,
		Type:       ev.Type,
		Sender:     ev.Sender,
		RoomID:     ev.RoomID,
		IsSelf:     ev.IsSelf,
		IsGroup:    ev.IsGroup,
		Timestamp:  ev.Timestamp,
		ReceivedAt: ev.ReceivedAt,
		Content:    ev.Content,
		Markup:     MarkupNone,
		Source:     ev.Source,
		Thumb:      ev.Thumb,
		Extra:      ev.Extra,
		Raw:        ev.Content,
	}

	body := ev.Content
	if ev.IsGroup {
		if sender, rest, ok := splitGroupPrefix(body); ok {
			body = rest
			out.Content = rest
			if out.Sender == "" {
				out.Sender = sender
			}
		}
	}

	if !looksLikeMarkup(body) {
		return out
	}

	fields, err := flatten(body)
	if err != nil {
		out.Markup = MarkupFailed
		out.ParseError = (&ParseError{Err: err}).Error()
		return out
	}

	out.Markup = MarkupParsed
	out.Fields = fields
	return out
}

// splitGroupPrefix strips the "wxid_sender:\n" line room messages carry.
func splitGroupPrefix(content string) (string, string, bool) {
	sender, rest, ok := strings.Cut(content, ":\n")
	if !ok || sender == "" || strings.ContainsAny(sender, " <\n\t") {
		return "", content, false
	}
	return sender, rest, true
}

func looksLikeMarkup(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "<")
}

func flatten(markup string) (map[string]string, error) {
	mv, err := mxj.NewMapXml([]byte(strings.TrimSpace(markup)))
	if err != nil {
		return nil, err
	}

	leaves := mv.LeafNodes()
	fields := make(map[string]string, len(leaves)*2)
	names := make(map[string]int, len(leaves))
	aliases := make(map[string]string, len(leaves))

	for _, leaf := range leaves {
		path := strings.TrimSuffix(leaf.Path, ".#text")
		value := ""
		if leaf.Value != nil {
			value = fmt.Sprint(leaf.Value)
		}
		fields[path] = value

		name := leafName(path)
		if strings.HasPrefix(name, "-") {
			continue
		}
		names[name]++
		aliases[name] = value
	}

	for name, count := range names {
		if count != 1 {
			continue
		}
		if _, taken := fields[name]; taken {
			continue
		}
		fields[name] = aliases[name]
	}

	return fields, nil
}

// leafName is the last path element without any list index.
func leafName(path string) string {
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		path = path[idx+1:]
	}
	if idx := strings.Index(path, "["); idx >= 0 {
		path = path[:idx]
	}
	return path
}
