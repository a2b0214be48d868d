package dingtalk

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/payload"
)

const (
	TypeSystem   = "SYSTEM"
	TypeCallback = "CALLBACK"
	TypeEvent    = "EVENT"

	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
	TopicBotMessage = payload.BotMessageCallbackTopic

	headerEventID       = "eventId"
	headerEventType     = "eventType"
	headerEventBornTime = "eventBornTime"
)

var errMissingMessageID = errors.New("frame has no messageId")

// decodeFrame parses a text frame. A frame without a type or message id is
// rejected because it can be neither dispatched nor acknowledged.
func decodeFrame(raw []byte) (*payload.DataFrame, error) {
	df, err := payload.DecodeDataFrame(raw)
	if err != nil {
		if df, err = decodeLooseFrame(raw); err != nil {
			return nil, err
		}
	}
	if df.Type == "" {
		return nil, errors.New("frame has no type")
	}
	if df.GetMessageId() == "" {
		return nil, errMissingMessageID
	}
	return df, nil
}

// looseFrame accepts header values sent as JSON numbers (eventBornTime
// arrives either way) and a non-numeric time field.
type looseFrame struct {
	SpecVersion string                     `json:"specVersion"`
	Type        string                     `json:"type"`
	Headers     map[string]json.RawMessage `json:"headers"`
	Data        string                     `json:"data"`
}

func decodeLooseFrame(raw []byte) (*payload.DataFrame, error) {
	var lf looseFrame
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, err
	}

	headers := make(payload.DataFrameHeader, len(lf.Headers))
	for k, v := range lf.Headers {
		var s string
		if json.Unmarshal(v, &s) == nil {
			headers.Set(k, s)
			continue
		}
		if v = bytes.TrimSpace(v); len(v) > 0 && string(v) != "null" {
			headers.Set(k, string(v))
		}
	}

	return &payload.DataFrame{
		SpecVersion: lf.SpecVersion,
		Type:        lf.Type,
		Headers:     headers,
		Data:        lf.Data,
	}, nil
}

// EventBornTime reads the millisecond eventBornTime header. Zero when absent.
func EventBornTime(df *payload.DataFrame) time.Time {
	ms, err := strconv.ParseInt(df.GetHeader(headerEventBornTime), 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// newAck acknowledges one inbound frame; correlation is by message id only.
func newAck(messageID string, code int, message, data string) *payload.DataFrameResponse {
	ack := payload.NewDataFrameResponse(code)
	ack.SetHeader(payload.DataFrameHeaderKMessageId, messageID)
	ack.SetHeader(payload.DataFrameHeaderKContentType, payload.DataFrameContentTypeKJson)
	ack.Message = message
	ack.SetData(data)
	return ack
}

// encodeAck marshals without HTML escaping so echoed data keeps its bytes.
// DataFrameResponse.Encode escapes, which would rewrite ping payloads.
func encodeAck(ack *payload.DataFrameResponse) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ack); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// RobotMessage is the bot callback payload carried in a CALLBACK frame.
type RobotMessage struct {
	chatbot.BotCallbackDataModel
}

// CreatedAt converts the millisecond createAt field.
func (m *RobotMessage) CreatedAt() time.Time {
	if m.CreateAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.CreateAt)
}

// DecodeRobotMessage parses a CALLBACK frame's data string.
func DecodeRobotMessage(data string) (*RobotMessage, error) {
	var msg RobotMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
