package event

import (
	"errors"
	"testing"
	"time"

	"wcfbridge/pkg/codec"
	"wcfbridge/pkg/sdk"
)

const cardMarkup = `<?xml version="1.0"?>
<msg>
	<appmsg appid="wx123" sdkver="0">
		<title>Weekly report</title>
		<des>Numbers are up</des>
		<type>5</type>
		<url>https://example.com/report</url>
	</appmsg>
	<fromusername>wxid_sender</fromusername>
</msg>`

func TestDecodeMapsEnvelope(t *testing.T) {
	frame, err := codec.Marshal(sdk.Message{
		ID:      99,
		Type:    1,
		Ts:      1700000000,
		Sender:  "wxid_abc",
		Content: "hello",
		XML:     "<msgsource/>",
	})
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}

	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if ev.Kind != KindMessage || ev.MsgID != 99 || ev.Sender != "wxid_abc" || ev.Content != "hello" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Source != "<msgsource/>" {
		t.Fatalf("source = %q", ev.Source)
	}
	if !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %s", ev.Timestamp)
	}
	if ev.ReceivedAt.IsZero() || len(ev.Raw) != len(frame) {
		t.Fatal("expected receipt time and raw frame")
	}
}

func TestDecodeClassifiesKinds(t *testing.T) {
	cases := []struct {
		msg  sdk.Message
		want Kind
	}{
		{sdk.Message{Type: 37}, KindFriendRequest},
		{sdk.Message{Type: 10000}, KindSystem},
		{sdk.Message{Type: 10002}, KindSystem},
		{sdk.Message{Type: 49}, KindMessage},
		{sdk.Message{Kind: "login_status", Type: 0}, KindLoginStatus},
	}

	for _, tc := range cases {
		frame, err := codec.Marshal(tc.msg)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		ev, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if ev.Kind != tc.want {
			t.Fatalf("type %d kind = %q, want %q", tc.msg.Type, ev.Kind, tc.want)
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00})
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("error = %v, want DecodeError", err)
	}
}

func TestNormalizeFlattensCardMarkup(t *testing.T) {
	ev := Event{
		Kind:    KindMessage,
		MsgID:   1,
		Type:    49,
		Sender:  "wxid_sender",
		RoomID:  "123@chatroom",
		IsGroup: true,
		Content: "wxid_sender:\n" + cardMarkup,
	}

	out := Normalize(ev)

	if out.Markup != MarkupParsed {
		t.Fatalf("markup = %q, parse error %q", out.Markup, out.ParseError)
	}
	if out.Sender != "wxid_sender" {
		t.Fatalf("sender = %q", out.Sender)
	}
	want := map[string]string{
		"title":             "Weekly report",
		"url":               "https://example.com/report",
		"des":               "Numbers are up",
		"msg.appmsg.title":  "Weekly report",
		"msg.appmsg.-appid": "wx123",
		"msg.fromusername":  "wxid_sender",
	}
	for key, value := range want {
		if got := out.Fields[key]; got != value {
			t.Fatalf("fields[%q] = %q, want %q", key, got, value)
		}
	}
	if _, ok := out.Fields["-appid"]; ok {
		t.Fatal("attributes must not get bare aliases")
	}
	if out.Raw != ev.Content {
		t.Fatal("raw content must be kept as received")
	}
	if out.Content != cardMarkup {
		t.Fatalf("content = %q, want group prefix stripped", out.Content)
	}
	if out.ID == "" {
		t.Fatal("expected event id")
	}
}

func TestNormalizeSkipsAmbiguousAliases(t *testing.T) {
	out := Normalize(Event{Content: `<msg><a><title>one</title></a><b><title>two</title></b></msg>`})

	if out.Markup != MarkupParsed {
		t.Fatalf("markup = %q", out.Markup)
	}
	if _, ok := out.Fields["title"]; ok {
		t.Fatal("duplicate leaf names must not produce an alias")
	}
	if out.Fields["msg.a.title"] != "one" || out.Fields["msg.b.title"] != "two" {
		t.Fatalf("fields = %v", out.Fields)
	}
}

func TestNormalizeKeepsMalformedMarkup(t *testing.T) {
	content := `<msg><appmsg><title>broken</appmsg>`
	out := Normalize(Event{Kind: KindMessage, MsgID: 5, Sender: "wxid_abc", Content: content})

	if out.Markup != MarkupFailed {
		t.Fatalf("markup = %q, want failed", out.Markup)
	}
	if out.ParseError == "" {
		t.Fatal("expected parse error")
	}
	if out.Raw != content || out.Content != content {
		t.Fatal("raw payload must survive a parse failure")
	}
	if out.Fields != nil {
		t.Fatalf("fields = %v, want none", out.Fields)
	}
	if out.Sender != "wxid_abc" || out.MsgID != 5 {
		t.Fatalf("identity lost: %+v", out)
	}
}

func TestNormalizeLeavesPlainText(t *testing.T) {
	out := Normalize(Event{Content: "hello: world", IsGroup: true})

	if out.Markup != MarkupNone || out.Fields != nil {
		t.Fatalf("plain text normalized as markup: %+v", out)
	}
	if out.Content != "hello: world" {
		t.Fatalf("content = %q", out.Content)
	}
}

func TestNormalizeAssignsUniqueIDs(t *testing.T) {
	a := Normalize(Event{Content: "x"})
	b := Normalize(Event{Content: "x"})
	if a.ID == b.ID {
		t.Fatal("expected distinct ids")
	}
}
