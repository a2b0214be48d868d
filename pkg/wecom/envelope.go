package wecom

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSignatureMismatch = errors.New("wecom: signature verification failed")
	ErrMissingField      = errors.New("wecom: missing field")
)

// IncomingMessage is the decrypted inner callback document.
type IncomingMessage struct {
	ToUser     string
	FromUser   string
	CreateTime string
	MsgType    string
	Content    string
	MsgID      string
	AgentID    string
}

// CallbackCodec verifies, decrypts and builds callback envelopes for one
// application (token + key material).
type CallbackCodec struct {
	crypto *Crypto
	token  string
}

func NewCallbackCodec(crypto *Crypto, token string) *CallbackCodec {
	return &CallbackCodec{crypto: crypto, token: token}
}

func (c *CallbackCodec) Crypto() *Crypto {
	return c.crypto
}

// VerifyURL handles the one-time URL ownership check: the decrypted echostr
// is returned verbatim and must be written back as the response body.
func (c *CallbackCodec) VerifyURL(signature, timestamp, nonce, echostr string) (string, error) {
	if !VerifySignature(c.token, timestamp, nonce, echostr, signature) {
		return "", ErrSignatureMismatch
	}
	return c.crypto.Decrypt(echostr)
}

// ParseCallback extracts <Encrypt> from a POSTed body, verifies the signature
// over it and decodes the inner message.
func (c *CallbackCodec) ParseCallback(signature, timestamp, nonce, body string) (*IncomingMessage, error) {
	encrypted, ok := extractCDATA(body, "Encrypt")
	if !ok {
		return nil, fmt.Errorf("%w: <Encrypt> in callback body", ErrMissingField)
	}

	if !VerifySignature(c.token, timestamp, nonce, encrypted, signature) {
		return nil, ErrSignatureMismatch
	}

	inner, err := c.crypto.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	return parseIncoming(inner)
}

func parseIncoming(doc string) (*IncomingMessage, error) {
	from, ok := extractCDATA(doc, "FromUserName")
	if !ok {
		return nil, fmt.Errorf("%w: FromUserName", ErrMissingField)
	}
	msgType, ok := extractCDATA(doc, "MsgType")
	if !ok {
		return nil, fmt.Errorf("%w: MsgType", ErrMissingField)
	}

	msg := &IncomingMessage{FromUser: from, MsgType: msgType}
	msg.ToUser, _ = extractCDATA(doc, "ToUserName")
	msg.Content, _ = extractCDATA(doc, "Content")
	msg.MsgID, _ = extractValue(doc, "MsgId")
	msg.CreateTime, _ = extractValue(doc, "CreateTime")
	msg.AgentID, _ = extractValue(doc, "AgentID")
	return msg, nil
}

const replyTemplate = `<xml>
<Encrypt><![CDATA[%s]]></Encrypt>
<MsgSignature><![CDATA[%s]]></MsgSignature>
<TimeStamp>%s</TimeStamp>
<Nonce><![CDATA[%s]]></Nonce>
</xml>`

// EncryptedReply encrypts content and wraps it in the four-field reply
// document signed with the application token.
func (c *CallbackCodec) EncryptedReply(content, timestamp, nonce string) (string, error) {
	encrypted, err := c.crypto.Encrypt(content)
	if err != nil {
		return "", err
	}
	signature := Sign(c.token, timestamp, nonce, encrypted)
	return fmt.Sprintf(replyTemplate, encrypted, signature, timestamp, nonce), nil
}

const textReplyTemplate = `<xml>
<ToUserName><![CDATA[%s]]></ToUserName>
<FromUserName><![CDATA[%s]]></FromUserName>
<CreateTime>%d</CreateTime>
<MsgType><![CDATA[text]]></MsgType>
<Content><![CDATA[%s]]></Content>
</xml>`

// TextReplyDocument builds the plaintext passive-reply document that goes
// inside EncryptedReply.
func TextReplyDocument(toUser, fromCorp string, createTime int64, content string) string {
	return fmt.Sprintf(textReplyTemplate, toUser, fromCorp, createTime, escapeCDATA(content))
}

func escapeCDATA(s string) string {
	return strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
}

// extractCDATA returns the text between the literal markers
// "<tag><![CDATA[" and "]]></tag>". It relies on the platform's fixed
// envelope: each tag occurs once, is not nested and has no whitespace inside
// the markers. Duplicate or nested tags return the first match; any other
// layout is reported as missing.
func extractCDATA(doc, tag string) (string, bool) {
	return between(doc, "<"+tag+"><![CDATA[", "]]></"+tag+">")
}

// extractValue is extractCDATA for fields the platform may send either
// wrapped in CDATA or bare, such as MsgId and CreateTime.
func extractValue(doc, tag string) (string, bool) {
	if v, ok := extractCDATA(doc, tag); ok {
		return v, true
	}
	return between(doc, "<"+tag+">", "</"+tag+">")
}

func between(doc, open, closing string) (string, bool) {
	start := strings.Index(doc, open)
	if start < 0 {
		return "", false
	}
	start += len(open)
	end := strings.Index(doc[start:], closing)
	if end < 0 {
		return "", false
	}
	return doc[start : start+end], true
}
