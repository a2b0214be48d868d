package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/imbridge/pkg/bus"
	"github.com/tinyland-inc/imbridge/pkg/config"
	"github.com/tinyland-inc/imbridge/pkg/logger"
	"github.com/tinyland-inc/imbridge/pkg/wecom"
)

const (
	wecomName       = "wecom"
	maxCallbackBody = 1 << 20
)

var wecomMediaNotices = map[string]string{
	"image": "Image received. This channel only accepts text; please describe the image in words.",
	"voice": "Voice message received. This channel only accepts text; please type your message instead.",
	"video": "Video received. This channel only accepts text; please add a written description.",
	"file":  "File received. This channel only accepts text; please paste the relevant content.",
}

// WeComChannel terminates the WeCom app callback and sends replies through
// the message/send API. The gateway mounts it at WebhookPath.
type WeComChannel struct {
	*BaseChannel
	cfg    config.WeComConfig
	client *wecom.Client
	codec  *wecom.CallbackCodec
	now    func() time.Time
	nonce  func() string
}

type WeComOption func(*WeComChannel)

func WithWeComClient(client *wecom.Client) WeComOption {
	return func(c *WeComChannel) { c.client = client }
}

func WithWeComClock(now func() time.Time) WeComOption {
	return func(c *WeComChannel) { c.now = now }
}

func NewWeComChannel(cfg config.WeComConfig, pub bus.Publisher, opts ...WeComOption) (*WeComChannel, error) {
	crypto, err := wecom.NewCrypto(cfg.EncodingAESKey, cfg.CorpID)
	if err != nil {
		return nil, fmt.Errorf("wecom: %w", err)
	}

	c := &WeComChannel{
		BaseChannel: NewBaseChannel(wecomName, pub, cfg.AllowFrom),
		cfg:         cfg,
		codec:       wecom.NewCallbackCodec(crypto, cfg.Token),
		now:         time.Now,
		nonce:       randomNonce,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = wecom.NewClient(wecom.ClientConfig{
			CorpID:     cfg.CorpID,
			CorpSecret: cfg.CorpSecret,
			AgentID:    cfg.AgentID,
		})
	}
	return c, nil
}

func randomNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (c *WeComChannel) WebhookPath() string {
	return c.cfg.WebhookPath
}

func (c *WeComChannel) Start(_ context.Context) error {
	c.SetRunning(true)
	logger.InfoCF(wecomName, "WeCom channel started", map[string]any{"webhook_path": c.cfg.WebhookPath})
	return nil
}

func (c *WeComChannel) Stop(ctx context.Context) error {
	c.SetRunning(false)
	return c.WaitBackground(ctx)
}

// Send delivers a text message to the WeCom user named by the recipient.
func (c *WeComChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Recipient == "" {
		return fmt.Errorf("wecom: outbound message has no recipient")
	}
	return c.client.SendText(ctx, msg.Recipient, msg.Content)
}

func (c *WeComChannel) HealthCheck(ctx context.Context) error {
	_, err := c.client.AccessToken(ctx)
	return err
}

func (c *WeComChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	signature, timestamp, nonce := q.Get("msg_signature"), q.Get("timestamp"), q.Get("nonce")

	switch r.Method {
	case http.MethodGet:
		echo, err := c.codec.VerifyURL(signature, timestamp, nonce, q.Get("echostr"))
		if err != nil {
			c.reject(w, "URL verification failed", err)
			return
		}
		logger.InfoC(wecomName, "Callback URL verified")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, echo)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		msg, err := c.codec.ParseCallback(signature, timestamp, nonce, string(body))
		if err != nil {
			c.reject(w, "Callback rejected", err)
			return
		}
		c.handleIncoming(w, msg)

	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *WeComChannel) reject(w http.ResponseWriter, msg string, err error) {
	logger.WarnCF(wecomName, msg, map[string]any{"error": err.Error()})
	if errors.Is(err, wecom.ErrSignatureMismatch) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	http.Error(w, "invalid callback", http.StatusBadRequest)
}

func (c *WeComChannel) handleIncoming(w http.ResponseWriter, msg *wecom.IncomingMessage) {
	if !c.IsAllowed(msg.FromUser) {
		logger.WarnCF(wecomName, "Message from unauthorized user", map[string]any{"from_user": msg.FromUser})
		io.WriteString(w, "success")
		return
	}

	switch msg.MsgType {
	case "text":
		logger.InfoCF(wecomName, "Received message", map[string]any{
			"from_user": msg.FromUser,
			"length":    len(msg.Content),
		})
		c.HandleMessage(msg.FromUser, bus.InboundMessage{
			ID:        msg.MsgID,
			Sender:    msg.FromUser,
			Content:   msg.Content,
			Timestamp: parseCreateTime(msg.CreateTime),
		})
		io.WriteString(w, "success")

	case "event":
		logger.DebugCF(wecomName, "Event callback ignored", map[string]any{"from_user": msg.FromUser})
		io.WriteString(w, "success")

	default:
		notice, ok := wecomMediaNotices[msg.MsgType]
		if !ok {
			logger.WarnCF(wecomName, "Unsupported message type", map[string]any{"msgtype": msg.MsgType})
			io.WriteString(w, "success")
			return
		}
		c.replyNotice(w, msg, notice)
	}
}

// replyNotice answers in the HTTP response with an encrypted passive reply.
func (c *WeComChannel) replyNotice(w http.ResponseWriter, msg *wecom.IncomingMessage, notice string) {
	now := c.now()
	doc := wecom.TextReplyDocument(msg.FromUser, c.codec.Crypto().CorpID(), now.Unix(), notice)
	reply, err := c.codec.EncryptedReply(doc, strconv.FormatInt(now.Unix(), 10), c.nonce())
	if err != nil {
		logger.ErrorCF(wecomName, "Failed to build passive reply", map[string]any{"error": err.Error()})
		io.WriteString(w, "success")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	io.WriteString(w, reply)
}

func parseCreateTime(v string) time.Time {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
