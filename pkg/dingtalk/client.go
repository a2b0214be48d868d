// Package dingtalk implements DingTalk stream mode: token management,
// connection negotiation, and the WebSocket frame protocol.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/utils"
	"golang.org/x/oauth2"

	"github.com/tinyland-inc/imbridge/pkg/auth"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const (
	DefaultOAPIBase = "https://oapi.dingtalk.com"
	DefaultAPIBase  = "https://api.dingtalk.com"

	defaultTokenTTL = 7200 * time.Second
	tokenBuffer     = 60 * time.Second

	maxErrorBody = 4 << 10

	defaultUserAgent = "imbridge-dingtalk-stream"
)

// ConnectionError is returned when connections/open answers with a non-2xx
// status. The session is never started.
type ConnectionError struct {
	StatusCode int
	Body       string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("dingtalk open connection failed: %d - %s", e.StatusCode, e.Body)
}

// SendError reports a failed session webhook post.
type SendError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dingtalk send message failed: %v", e.Err)
	}
	return fmt.Sprintf("dingtalk send message failed: %d - %s", e.StatusCode, e.Body)
}

func (e *SendError) Unwrap() error { return e.Err }

// ConnectionTicket is the single-use result of connection negotiation.
type ConnectionTicket struct {
	Endpoint string
	Ticket   string
}

// URL is the WebSocket address for this ticket. The ticket is query-escaped;
// platform tickets are URL-safe, so this only changes malformed ones.
func (t *ConnectionTicket) URL() string {
	return t.Endpoint + "?ticket=" + url.QueryEscape(t.Ticket)
}

type ClientConfig struct {
	ClientID     string
	ClientSecret string
	OAPIBase     string
	APIBase      string
	UserAgent    string
	HTTPClient   *http.Client
}

type Client struct {
	cfg    ClientConfig
	http   *http.Client
	tokens *auth.TokenCache
}

func NewClient(cfg ClientConfig, opts ...auth.Option) *Client {
	if cfg.OAPIBase == "" {
		cfg.OAPIBase = DefaultOAPIBase
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{cfg: cfg, http: httpClient}
	c.tokens = auth.NewTokenCache("dingtalk", c.fetchToken, opts...)
	return c
}

func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// AccessToken returns a cached or freshly fetched app token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("appkey", c.cfg.ClientID)
	q.Set("appsecret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.OAPIBase+"/gettoken?"+q.Encode(), nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("dingtalk gettoken: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("dingtalk gettoken: decode response: %w", err)
	}
	if body.ErrCode != 0 {
		return "", 0, &auth.AuthError{Platform: "dingtalk", Code: body.ErrCode, Message: body.ErrMsg}
	}

	ttl := defaultTokenTTL
	if body.ExpiresIn > 0 {
		ttl = time.Duration(body.ExpiresIn) * time.Second
	}
	ttl = max(ttl-tokenBuffer, 0)

	return body.AccessToken, ttl, nil
}

// OpenConnection negotiates a stream endpoint. It subscribes to bot message
// callbacks and, as a fallback, to every event.
func (c *Client) OpenConnection(ctx context.Context) (*ConnectionTicket, error) {
	if _, err := c.tokens.Token(ctx); err != nil {
		return nil, err
	}

	request := payload.ConnectionEndpointRequest{
		ClientId:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		UserAgent:    c.cfg.UserAgent,
		Subscriptions: []*payload.SubscriptionModel{
			{Type: TypeCallback, Topic: TopicBotMessage},
			{Type: TypeEvent, Topic: "*"},
		},
	}
	if ip, err := utils.GetFirstLanIP(); err == nil {
		request.LocalIP = ip
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.APIBase+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", payload.DataFrameContentTypeKJson)
	req.Header.Set("Accept", payload.DataFrameContentTypeKJson)

	authed := &http.Client{
		Transport: &oauth2.Transport{Source: c.tokens.TokenSource(ctx), Base: c.http.Transport},
		Timeout:   c.http.Timeout,
	}
	resp, err := authed.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dingtalk open connection: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ConnectionError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var endpoint payload.ConnectionEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&endpoint); err != nil {
		return nil, fmt.Errorf("dingtalk open connection: decode response: %w", err)
	}
	if err := endpoint.Valid(); err != nil {
		return nil, &ConnectionError{StatusCode: resp.StatusCode, Body: err.Error()}
	}

	logger.InfoCF("dingtalk", "Stream connection negotiated", map[string]any{"endpoint": endpoint.Endpoint})
	return &ConnectionTicket{Endpoint: endpoint.Endpoint, Ticket: endpoint.Ticket}, nil
}

type webhookMessage struct {
	MsgType string                           `json:"msgtype"`
	Text    chatbot.BotCallbackDataTextModel `json:"text"`
}

type webhookResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// SendText posts a text message to a conversation's session webhook.
func (c *Client) SendText(ctx context.Context, webhook, content string) error {
	reqBody, err := json.Marshal(webhookMessage{MsgType: "text", Text: chatbot.BotCallbackDataTextModel{Content: content}})
	if err != nil {
		return &SendError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(reqBody))
	if err != nil {
		return &SendError{Err: err}
	}
	req.Header.Set("Content-Type", payload.DataFrameContentTypeKJson)

	resp, err := c.http.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SendError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result webhookResponse
	if json.Unmarshal(body, &result) == nil && result.ErrCode != 0 {
		return &SendError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	logger.DebugCF("dingtalk", "Message sent via session webhook", map[string]any{"length": len(content)})
	return nil
}
