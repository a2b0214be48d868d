package wecom

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/imbridge/pkg/auth"
)

type fakeWeCom struct {
	tokenCalls atomic.Int32
	lastSend   atomic.Value
	tokenCode  int
	sendCode   int
}

func (f *fakeWeCom) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		assert.Equal(t, "corp", r.URL.Query().Get("corpid"))
		assert.Equal(t, "secret", r.URL.Query().Get("corpsecret"))
		if f.tokenCode != 0 {
			json.NewEncoder(w).Encode(map[string]any{"errcode": f.tokenCode, "errmsg": "invalid credential"})
			return
		}
		// expires_in is ignored by the cache
		json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok", "access_token": "wx-token", "expires_in": 60})
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "wx-token", r.URL.Query().Get("access_token"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastSend.Store(body)
		if f.sendCode != 0 {
			json.NewEncoder(w).Encode(map[string]any{"errcode": f.sendCode, "errmsg": "invalid user"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"errcode": 0, "errmsg": "ok"})
	})
	return mux
}

func newTestClient(srv *httptest.Server, opts ...auth.Option) *Client {
	return NewClient(ClientConfig{
		CorpID:     "corp",
		CorpSecret: "secret",
		AgentID:    1000002,
		APIBase:    srv.URL,
		HTTPClient: srv.Client(),
	}, opts...)
}

func TestClient_SendText(t *testing.T) {
	fake := &fakeWeCom{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.SendText(context.Background(), "zhangsan", "hello"))
	require.NoError(t, c.SendText(context.Background(), "lisi", "again"))

	assert.Equal(t, int32(1), fake.tokenCalls.Load())
	body := fake.lastSend.Load().(map[string]any)
	assert.Equal(t, "lisi", body["touser"])
	assert.Equal(t, "text", body["msgtype"])
	assert.Equal(t, float64(1000002), body["agentid"])
	assert.Equal(t, float64(0), body["safe"])
	assert.Equal(t, map[string]any{"content": "again"}, body["text"])
}

func TestClient_TokenCachedForFixedWindow(t *testing.T) {
	fake := &fakeWeCom{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := newTestClient(srv, auth.WithClock(func() time.Time { return now }))

	_, err := c.AccessToken(context.Background())
	require.NoError(t, err)

	// advertised expires_in (60s) is ignored
	now = now.Add(6999 * time.Second)
	_, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.tokenCalls.Load())

	now = now.Add(time.Second)
	_, err = c.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.tokenCalls.Load())
}

func TestClient_TokenErrorIsAuthError(t *testing.T) {
	fake := &fakeWeCom{tokenCode: 40001}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	err := newTestClient(srv).SendText(context.Background(), "u", "x")
	var authErr *auth.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 40001, authErr.Code)
	assert.Equal(t, "wecom", authErr.Platform)
}

func TestClient_SendErrorCode(t *testing.T) {
	fake := &fakeWeCom{sendCode: 81013}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	err := newTestClient(srv).SendText(context.Background(), "ghost", "x")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, 81013, sendErr.Code)
	assert.Contains(t, err.Error(), "invalid user")
}
