package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tinyland-inc/imbridge/pkg/auth"
	"github.com/tinyland-inc/imbridge/pkg/logger"
)

const (
	DefaultAPIBase = "https://qyapi.weixin.qq.com"

	// tokenTTL is applied regardless of the advertised expires_in.
	tokenTTL = 7000 * time.Second
)

// SendError reports a failed message/send call.
type SendError struct {
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *SendError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("wecom send message failed: %v", e.Err)
	case e.StatusCode != 0 && e.StatusCode != http.StatusOK:
		return fmt.Sprintf("wecom send message failed: HTTP %d", e.StatusCode)
	default:
		return fmt.Sprintf("wecom send message failed: %s (%d)", e.Message, e.Code)
	}
}

func (e *SendError) Unwrap() error { return e.Err }

type ClientConfig struct {
	CorpID     string
	CorpSecret string
	AgentID    int64
	APIBase    string
	HTTPClient *http.Client
}

// Client calls the WeCom application API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	tokens *auth.TokenCache
}

func NewClient(cfg ClientConfig, opts ...auth.Option) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{cfg: cfg, http: httpClient}
	c.tokens = auth.NewTokenCache("wecom", c.fetchToken, opts...)
	return c
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
}

// AccessToken returns a cached or freshly fetched token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	q := url.Values{}
	q.Set("corpid", c.cfg.CorpID)
	q.Set("corpsecret", c.cfg.CorpSecret)
	endpoint := c.cfg.APIBase + "/cgi-bin/gettoken?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("wecom gettoken: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, fmt.Errorf("wecom gettoken: decode response: %w", err)
	}
	if body.ErrCode != 0 {
		return "", 0, &auth.AuthError{Platform: "wecom", Code: body.ErrCode, Message: body.ErrMsg}
	}

	return body.AccessToken, tokenTTL, nil
}

type sendRequest struct {
	ToUser  string      `json:"touser"`
	MsgType string      `json:"msgtype"`
	AgentID int64       `json:"agentid"`
	Text    textContent `json:"text"`
	Safe    int         `json:"safe"`
}

type textContent struct {
	Content string `json:"content"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// SendText sends a text message to toUser through message/send.
func (c *Client) SendText(ctx context.Context, toUser, content string) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sendRequest{
		ToUser:  toUser,
		MsgType: "text",
		AgentID: c.cfg.AgentID,
		Text:    textContent{Content: content},
		Safe:    0,
	})
	if err != nil {
		return &SendError{Err: err}
	}

	endpoint := c.cfg.APIBase + "/cgi-bin/message/send?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return &SendError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &SendError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &SendError{StatusCode: resp.StatusCode}
	}

	var body sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &SendError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.ErrCode != 0 {
		return &SendError{StatusCode: resp.StatusCode, Code: body.ErrCode, Message: body.ErrMsg}
	}

	logger.InfoCF("wecom", "Message sent", map[string]any{
		"to_user": toUser,
		"agentid": strconv.FormatInt(c.cfg.AgentID, 10),
	})
	return nil
}
