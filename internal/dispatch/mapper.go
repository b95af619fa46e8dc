package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tokligence/wechat-bridge/internal/message"
	"github.com/tokligence/wechat-bridge/internal/openai"
)

// ErrMapping reports a downstream response that lacks the fields its mapper expects.
var ErrMapping = errors.New("dispatch: response mapping failed")

const defaultOllamaModel = "llama2"

// Reply is the normalized downstream answer. For non-text kinds Content is a media id.
type Reply struct {
	Kind    string
	Content string
}

// Mapper converts between a platform message and one downstream wire shape.
type Mapper interface {
	ToRequest(msg message.Message) (any, error)
	ToReply(body []byte) (Reply, error)
}

// MapperOptions carries per-service settings from the service profile.
type MapperOptions struct {
	Model string
}

// NewMapper returns the mapper for t.
func NewMapper(t ServiceType, opts MapperOptions) Mapper {
	switch t {
	case ServiceOpenAI:
		return openAIMapper{model: opts.Model}
	case ServiceOllama:
		model := opts.Model
		if model == "" {
			model = defaultOllamaModel
		}
		return ollamaMapper{model: model}
	case ServiceCustom:
		return customMapper{}
	default:
		return defaultMapper{}
	}
}

type defaultRequest struct {
	UserID      string `json:"user_id"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp"`
}

type defaultMapper struct{}

func (defaultMapper) ToRequest(msg message.Message) (any, error) {
	return defaultRequest{
		UserID:      msg.FromUserName(),
		MessageType: msg.MsgType(),
		Content:     msg.Content(),
		Timestamp:   msg.CreateTime(),
	}, nil
}

func (defaultMapper) ToReply(body []byte) (Reply, error) {
	var resp struct {
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	}
	if err := decode(body, &resp); err != nil {
		return Reply{}, err
	}
	return Reply{Kind: orText(resp.MessageType), Content: resp.Content}, nil
}

type openAIMapper struct {
	model string
}

func (m openAIMapper) ToRequest(msg message.Message) (any, error) {
	return openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: []openai.ChatMessage{{Role: "user", Content: msg.Content()}},
		Stream:   false,
	}, nil
}

func (openAIMapper) ToReply(body []byte) (Reply, error) {
	var resp openai.ChatCompletionResponse
	if err := decode(body, &resp); err != nil {
		return Reply{}, err
	}
	content, ok := resp.FirstContent()
	if !ok {
		return Reply{}, fmt.Errorf("%w: missing choices[0].message.content", ErrMapping)
	}
	return Reply{Kind: message.KindText, Content: content}, nil
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaMapper struct {
	model string
}

func (m ollamaMapper) ToRequest(msg message.Message) (any, error) {
	return ollamaRequest{Model: m.model, Prompt: msg.Content(), Stream: false}, nil
}

func (ollamaMapper) ToReply(body []byte) (Reply, error) {
	var resp struct {
		Response *string `json:"response"`
	}
	if err := decode(body, &resp); err != nil {
		return Reply{}, err
	}
	if resp.Response == nil {
		return Reply{}, fmt.Errorf("%w: missing response", ErrMapping)
	}
	return Reply{Kind: message.KindText, Content: *resp.Response}, nil
}

type customRequest struct {
	SessionID string         `json:"session_id"`
	Query     string         `json:"query"`
	Metadata  customMetadata `json:"metadata"`
}

type customMetadata struct {
	MsgType string `json:"msg_type"`
	UserID  string `json:"user_id"`
}

type customMapper struct{}

func (customMapper) ToRequest(msg message.Message) (any, error) {
	from := msg.FromUserName()
	created := msg.CreateTime()
	if from == "" || created == "" {
		return nil, fmt.Errorf("%w: session id needs FromUserName and CreateTime", ErrMapping)
	}
	return customRequest{
		SessionID: from + "_" + created,
		Query:     msg.Content(),
		Metadata:  customMetadata{MsgType: msg.MsgType(), UserID: from},
	}, nil
}

func (customMapper) ToReply(body []byte) (Reply, error) {
	var resp struct {
		MsgType string  `json:"msg_type"`
		Text    *string `json:"text"`
	}
	if err := decode(body, &resp); err != nil {
		return Reply{}, err
	}
	if resp.Text == nil {
		return Reply{}, fmt.Errorf("%w: missing text", ErrMapping)
	}
	return Reply{Kind: orText(resp.MsgType), Content: *resp.Text}, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMapping, err)
	}
	return nil
}

func orText(kind string) string {
	if kind == "" {
		return message.KindText
	}
	return kind
}
