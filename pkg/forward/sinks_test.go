package forward

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wcfbridge/pkg/event"
	"wcfbridge/pkg/logger"
)

func sampleEvent() event.NormalizedEvent {
	return event.NormalizedEvent{
		ID:      "evt-1",
		Kind:    event.KindMessage,
		MsgID:   42,
		Type:    49,
		Sender:  "wxid_sender",
		RoomID:  "123@chatroom",
		IsGroup: true,
		Content: "<msg><appmsg><title>Weekly report</title></appmsg></msg>",
		Markup:  event.MarkupParsed,
		Fields:  map[string]string{"title": "Weekly report", "msg.appmsg.title": "Weekly report"},
		Raw:     "wxid_sender:\n<msg><appmsg><title>Weekly report</title></appmsg></msg>",
	}
}

func TestWebhookPostsEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhook(WebhookOptions{
		Name:    "webhook[0]",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	require.Equal(t, ModeRetry, hook.Mode())
	require.NoError(t, hook.Deliver(context.Background(), sampleEvent()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "application/json", headers.Get("Content-Type"))
	require.Equal(t, "evt-1", headers.Get("X-Event-ID"))
	require.Equal(t, "message", headers.Get("X-Event-Kind"))
	require.Equal(t, "Bearer secret", headers.Get("Authorization"))

	var got event.NormalizedEvent
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "Weekly report", got.Fields["title"])
	require.Equal(t, uint64(42), got.MsgID)
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(WebhookOptions{URL: srv.URL}).Deliver(context.Background(), sampleEvent())
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPushWritesEnvelopeAndRedials(t *testing.T) {
	received := make(chan pushMessage, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var msg pushMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg
		// One message per connection forces the sink to redial.
	}))
	defer srv.Close()

	push := NewPush(wsURL(srv), "wechat.event", logger.Discard())
	defer push.Close()
	require.Equal(t, ModeFireAndForget, push.Mode())

	require.NoError(t, push.Deliver(context.Background(), sampleEvent()))
	select {
	case msg := <-received:
		require.Equal(t, "wechat.event", msg.Event)
		require.Equal(t, "evt-1", msg.Data.ID)
	case <-time.After(time.Second):
		t.Fatal("push message not received")
	}

	// The first write after the peer hangs up may still be accepted by the
	// kernel, so keep delivering until the redialed connection sees one.
	second := sampleEvent()
	second.ID = "evt-2"
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = push.Deliver(context.Background(), second)
		select {
		case msg := <-received:
			require.Equal(t, "evt-2", msg.Data.ID)
			return
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("push did not redial")
		}
	}
}

func TestPushReportsDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	err := NewPush(url, "", logger.Discard()).Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		require.NoError(t, err)
		return conn
	}
	first := dial()
	defer first.Close()
	second := dial()
	defer second.Close()

	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Deliver(context.Background(), sampleEvent()))

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var msg pushMessage
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, "message", msg.Event)
		require.Equal(t, "evt-1", msg.Data.ID)
	}

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubWithoutSubscribersSucceeds(t *testing.T) {
	hub := NewHub(logger.Discard())
	require.NoError(t, hub.Deliver(context.Background(), sampleEvent()))
}

func TestRedisMessageEncoding(t *testing.T) {
	payload, err := encodeRedisMessage(sampleEvent())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	require.Equal(t, "evt-1", decoded["id"])
	require.Equal(t, "parsed", decoded["markup"])
	require.Equal(t, "123@chatroom", decoded["room_id"])

	sink := NewRedis("127.0.0.1:6379", "wcfbridge:events", "")
	defer sink.Close()
	require.Equal(t, ModeFireAndForget, sink.Mode())
	require.Equal(t, "redis", sink.Name())
}

func TestTelegramSummary(t *testing.T) {
	got := summarize(sampleEvent())
	require.Equal(t, "[message] wxid_sender@123@chatroom: Weekly report", got)

	plain := event.NormalizedEvent{Kind: event.KindMessage, Sender: "wxid_abc", Content: "hello\nthere", Markup: event.MarkupNone}
	require.Equal(t, "[message] wxid_abc: hello there", summarize(plain))
}

func TestTelegramAllowFrom(t *testing.T) {
	sink := &Telegram{allowFrom: allowFromSet([]string{" wxid_abc ", "", "123@chatroom"})}
	require.Len(t, sink.allowFrom, 2)

	require.True(t, sink.allowed(event.NormalizedEvent{Sender: "wxid_abc"}))
	require.True(t, sink.allowed(event.NormalizedEvent{Sender: "wxid_other", RoomID: "123@chatroom"}))
	require.False(t, sink.allowed(event.NormalizedEvent{Sender: "wxid_other"}))

	sink.allowFrom = nil
	require.True(t, sink.allowed(event.NormalizedEvent{Sender: "anyone"}))
}

func TestPreviewText(t *testing.T) {
	require.Equal(t, "hello", previewText(" hello "))

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	require.Len(t, got, messagePreviewLimit+3)
	require.True(t, strings.HasSuffix(got, "..."))
}

func TestPreviewTextKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("周报", messagePreviewLimit)
	got := previewText(long)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, messagePreviewLimit+3, utf8.RuneCountInString(got))
	require.Equal(t, "周报周", string([]rune(got)[:3]))
}

func TestNewTelegramRequiresToken(t *testing.T) {
	_, err := NewTelegram("  ", 1, nil)
	require.Error(t, err)
}
