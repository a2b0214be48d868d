package channels

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/dingtalk"
)

type webhookRecorder struct {
	srv      *httptest.Server
	received chan string
	release  chan struct{}
}

// newWebhookRecorder serves session webhooks. When block is set every
// request waits until release is closed.
func newWebhookRecorder(t *testing.T, block bool) *webhookRecorder {
	rec := &webhookRecorder{received: make(chan string, 8), release: make(chan struct{})}
	if !block {
		close(rec.release)
	}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text struct {
				Content string `json:"content"`
			} `json:"text"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		<-rec.release
		rec.received <- body.Text.Content
		w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`))
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func newTestDingTalkChannel(t *testing.T, mb *bus.MessageBus, allow []string, opts ...DingTalkOption) *DingTalkChannel {
	t.Helper()
	ch, err := NewDingTalkChannel(config.DingTalkConfig{
		Enabled:      true,
		ClientID:     "app-key",
		ClientSecret: "app-secret",
		AllowFrom:    allow,
	}, mb, opts...)
	require.NoError(t, err)
	return ch
}

func robotMessage(msgType, webhook string) *dingtalk.RobotMessage {
	msg := &dingtalk.RobotMessage{BotCallbackDataModel: chatbot.BotCallbackDataModel{
		MsgId:          "msg-1",
		Msgtype:        msgType,
		SenderStaffId:  "staff1",
		SenderNick:     "Alice",
		ConversationId: "cid",
		SessionWebhook: webhook,
		CreateAt:       1700000000000,
	}}
	if msgType == "text" {
		msg.Text.Content = "hello bot"
	}
	return msg
}

func TestNewDingTalkChannel_RequiresCredentials(t *testing.T) {
	_, err := NewDingTalkChannel(config.DingTalkConfig{ClientID: "id"}, bus.NewMessageBus())
	assert.Error(t, err)
}

func TestDingTalkChannel_UnauthorizedAcksWithoutDelivery(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newTestDingTalkChannel(t, mb, []string{"someone-else"})

	require.NoError(t, ch.HandleCallback(context.Background(), robotMessage("text", "https://example/hook")))
	require.NoError(t, ch.WaitBackground(context.Background()))
	assertNoInbound(t, mb)
}

func TestDingTalkChannel_TextDeliveredWithWebhookAsSender(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newTestDingTalkChannel(t, mb, []string{"*"})

	require.NoError(t, ch.HandleCallback(context.Background(), robotMessage("text", "https://example/hook?session=1")))

	msg, ok := consumeInbound(t, mb)
	require.True(t, ok)
	assert.Equal(t, "https://example/hook?session=1", msg.Sender)
	assert.Equal(t, "hello bot", msg.Content)
	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "dingtalk", msg.Channel)
	assert.Equal(t, int64(1700000000000), msg.Timestamp.UnixMilli())
}

func TestDingTalkChannel_TextWithoutBodyIgnored(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newTestDingTalkChannel(t, mb, []string{"*"})

	msg := robotMessage("text", "https://example/hook")
	msg.Text.Content = ""
	require.NoError(t, ch.HandleCallback(context.Background(), msg))
	assertNoInbound(t, mb)
}

func TestDingTalkChannel_MediaNoticeDoesNotBlockAck(t *testing.T) {
	mb := bus.NewMessageBus()
	hook := newWebhookRecorder(t, true)
	client := dingtalk.NewClient(dingtalk.ClientConfig{ClientID: "app-key", ClientSecret: "app-secret", HTTPClient: hook.srv.Client()})
	ch := newTestDingTalkChannel(t, mb, []string{"staff1"}, WithDingTalkClient(client))

	for _, kind := range []string{"picture", "audio", "video", "file"} {
		returned := make(chan error, 1)
		go func() { returned <- ch.HandleCallback(context.Background(), robotMessage(kind, hook.srv.URL)) }()

		select {
		case err := <-returned:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatalf("%s: callback waited for the notice", kind)
		}
	}

	close(hook.release)
	notices := make([]string, 0, 4)
	for range 4 {
		select {
		case n := <-hook.received:
			notices = append(notices, n)
		case <-time.After(2 * time.Second):
			t.Fatal("notice never sent")
		}
	}
	for _, n := range notices {
		assert.Contains(t, n, "only accepts text")
	}
	assertNoInbound(t, mb)
}

func TestDingTalkChannel_UnknownTypeIgnored(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newTestDingTalkChannel(t, mb, []string{"*"})

	require.NoError(t, ch.HandleCallback(context.Background(), robotMessage("richText", "https://example/hook")))
	require.NoError(t, ch.WaitBackground(context.Background()))
	assertNoInbound(t, mb)
}

func TestDingTalkChannel_Send(t *testing.T) {
	hook := newWebhookRecorder(t, false)
	client := dingtalk.NewClient(dingtalk.ClientConfig{ClientID: "app-key", ClientSecret: "app-secret", HTTPClient: hook.srv.Client()})
	ch := newTestDingTalkChannel(t, bus.NewMessageBus(), []string{"*"}, WithDingTalkClient(client))

	require.NoError(t, ch.Send(context.Background(), bus.OutboundMessage{Channel: "dingtalk", Recipient: hook.srv.URL, Content: "reply"}))
	assert.Equal(t, "reply", <-hook.received)

	assert.Error(t, ch.Send(context.Background(), bus.OutboundMessage{Content: "nowhere"}))
}

// TestDingTalkChannel_StreamRoundTrip drives the channel against an
// in-process platform: one callback, then a disconnect request.
func TestDingTalkChannel_StreamRoundTrip(t *testing.T) {
	acks := make(chan map[string]any, 1)
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/gettoken", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":0,"access_token":"tok","expires_in":7200}`))
	})
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
			"ticket":   "t1",
		})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		data, _ := json.Marshal(robotMessage("text", "https://example/hook"))
		frame, _ := json.Marshal(payload.DataFrame{
			Type: dingtalk.TypeCallback,
			Headers: payload.DataFrameHeader{
				payload.DataFrameHeaderKMessageId: "cb-1",
				payload.DataFrameHeaderKTopic:     dingtalk.TopicBotMessage,
			},
			Data: string(data),
		})
		conn.WriteMessage(websocket.TextMessage, frame)

		_, raw, err := conn.ReadMessage()
		if assert.NoError(t, err) {
			var ack map[string]any
			assert.NoError(t, json.Unmarshal(raw, &ack))
			acks <- ack
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SYSTEM","headers":{"messageId":"d","topic":"disconnect"},"data":""}`))
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	mb := bus.NewMessageBus()
	client := dingtalk.NewClient(dingtalk.ClientConfig{
		ClientID:     "app-key",
		ClientSecret: "app-secret",
		OAPIBase:     srv.URL,
		APIBase:      srv.URL,
		HTTPClient:   srv.Client(),
	})
	ch := newTestDingTalkChannel(t, mb, []string{"staff1"}, WithDingTalkClient(client))

	require.NoError(t, ch.Start(context.Background()))

	select {
	case ack := <-acks:
		assert.Equal(t, float64(200), ack["code"])
		assert.Equal(t, "cb-1", ack["headers"].(map[string]any)["messageId"])
	case <-time.After(3 * time.Second):
		t.Fatal("no ack received")
	}

	msg, ok := consumeInbound(t, mb)
	require.True(t, ok)
	assert.Equal(t, "https://example/hook", msg.Sender)

	// reconnect_interval is zero, so the channel stops after the disconnect
	require.Eventually(t, func() bool { return !ch.IsRunning() }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, ch.HealthCheck(context.Background()))
	require.NoError(t, ch.Stop(context.Background()))
}

func TestDingTalkChannel_DeliversAfterTimedOutStop(t *testing.T) {
	mb := bus.NewMessageBus()
	ch := newTestDingTalkChannel(t, mb, []string{"*"})

	ch.Background("slow notice", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Stop(ctx), context.DeadlineExceeded)

	require.NoError(t, ch.HandleCallback(context.Background(), robotMessage("text", "https://example/hook")))
	msg, ok := consumeInbound(t, mb)
	require.True(t, ok)
	assert.Equal(t, "hello bot", msg.Content)
}
