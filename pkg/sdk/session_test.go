package sdk

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestBackoffDelayDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 200 * time.Millisecond, Max: 5 * time.Second}

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, expected := range want {
		if got := b.Delay(i + 1); got != expected {
			t.Fatalf("Delay(%d) = %s, want %s", i+1, got, expected)
		}
	}

	if got := b.Delay(200); got != 5*time.Second {
		t.Fatalf("Delay(200) = %s, want cap", got)
	}
}

func TestParseAddress(t *testing.T) {
	cases := map[string]string{
		"tcp://127.0.0.1:10086": "127.0.0.1:10086",
		"localhost:9":           "localhost:9",
	}
	for input, want := range cases {
		got, err := ParseAddress(input)
		if err != nil {
			t.Fatalf("ParseAddress(%q) error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseAddress(%q) = %q, want %q", input, got, want)
		}
	}

	for _, bad := range []string{"ipc:///tmp/wcf", "tcp://127.0.0.1", "tcp://host:port"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("ParseAddress(%q) expected error", bad)
		}
	}
}

func TestEventAddressForUsesNextPort(t *testing.T) {
	got, err := EventAddressFor("tcp://127.0.0.1:10086")
	if err != nil {
		t.Fatalf("EventAddressFor error: %v", err)
	}
	if got != "127.0.0.1:10087" {
		t.Fatalf("event address = %q", got)
	}

	if _, err := EventAddressFor("tcp://127.0.0.1:65535"); err == nil {
		t.Fatal("expected error for last port")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}
	if buf.Len() != 4+len("payload") {
		t.Fatalf("frame length = %d", buf.Len())
	}

	body, n, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame error: %v", err)
	}
	if string(body) != "payload" || n != 11 {
		t.Fatalf("ReadFrame = %q, %d", body, n)
	}
}

func TestReadFrameReportsTornFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("payload")); err != nil {
		t.Fatalf("WriteFrame error: %v", err)
	}
	torn := bytes.NewReader(buf.Bytes()[:6])

	_, n, err := ReadFrame(torn)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want unexpected EOF", err)
	}
	if n != 6 {
		t.Fatalf("consumed = %d, want 6", n)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, _, err := ReadFrame(bytes.NewReader(header)); err == nil {
		t.Fatal("expected oversize error")
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	err := newError(KindTimeout, "send_txt", ErrCommandTimeout)
	wrapped := errors.Join(errors.New("dispatch"), err)

	if KindOf(wrapped) != KindTimeout {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrCommandTimeout) {
		t.Fatal("expected ErrCommandTimeout in chain")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no kind")
	}
}
