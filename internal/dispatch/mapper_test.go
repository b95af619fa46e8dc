package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tokligence/wechat-bridge/internal/message"
)

var sampleMessage = message.New(map[string]string{
	message.FieldToUserName:   "gh_bridge",
	message.FieldFromUserName: "u1",
	message.FieldCreateTime:   "1700000000",
	message.FieldMsgType:      "text",
	message.FieldContent:      "hi",
})

func requestJSON(t *testing.T, m Mapper) map[string]any {
	t.Helper()
	req, err := m.ToRequest(sampleMessage)
	if err != nil {
		t.Fatalf("ToRequest: %v", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestMapperRequests(t *testing.T) {
	cases := []struct {
		service ServiceType
		opts    MapperOptions
		want    map[string]any
	}{
		{
			service: ServiceDefault,
			want: map[string]any{
				"user_id": "u1", "message_type": "text", "content": "hi", "timestamp": "1700000000",
			},
		},
		{
			service: ServiceOpenAI,
			want: map[string]any{
				"messages": []any{map[string]any{"role": "user", "content": "hi"}},
				"stream":   false,
			},
		},
		{
			service: ServiceOpenAI,
			opts:    MapperOptions{Model: "gpt-4o-mini"},
			want: map[string]any{
				"model":    "gpt-4o-mini",
				"messages": []any{map[string]any{"role": "user", "content": "hi"}},
				"stream":   false,
			},
		},
		{
			service: ServiceOllama,
			want:    map[string]any{"model": "llama2", "prompt": "hi", "stream": false},
		},
		{
			service: ServiceCustom,
			want: map[string]any{
				"session_id": "u1_1700000000",
				"query":      "hi",
				"metadata":   map[string]any{"msg_type": "text", "user_id": "u1"},
			},
		},
	}
	for _, tc := range cases {
		t.Run(string(tc.service)+"/"+tc.opts.Model, func(t *testing.T) {
			got := requestJSON(t, NewMapper(tc.service, tc.opts))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapperReplies(t *testing.T) {
	cases := []struct {
		name    string
		service ServiceType
		body    string
		want    Reply
		wantErr bool
	}{
		{name: "default", service: ServiceDefault, body: `{"content":"hello"}`, want: Reply{Kind: "text", Content: "hello"}},
		{name: "default media", service: ServiceDefault, body: `{"message_type":"image","content":"MEDIA"}`, want: Reply{Kind: "image", Content: "MEDIA"}},
		{name: "default empty", service: ServiceDefault, body: `{}`, want: Reply{Kind: "text"}},
		{name: "default not json", service: ServiceDefault, body: `oops`, wantErr: true},
		{name: "openai", service: ServiceOpenAI, body: `{"choices":[{"message":{"role":"assistant","content":"yo"}}]}`, want: Reply{Kind: "text", Content: "yo"}},
		{name: "openai missing choices", service: ServiceOpenAI, body: `{"error":{"message":"bad key"}}`, wantErr: true},
		{name: "ollama", service: ServiceOllama, body: `{"response":"llama says"}`, want: Reply{Kind: "text", Content: "llama says"}},
		{name: "ollama missing", service: ServiceOllama, body: `{"done":true}`, wantErr: true},
		{name: "custom", service: ServiceCustom, body: `{"text":"custom"}`, want: Reply{Kind: "text", Content: "custom"}},
		{name: "custom missing", service: ServiceCustom, body: `{"answer":"x"}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NewMapper(tc.service, MapperOptions{}).ToReply([]byte(tc.body))
			if tc.wantErr {
				if !errors.Is(err, ErrMapping) {
					t.Fatalf("expected ErrMapping, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ToReply: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestCustomMapperNeedsSessionFields(t *testing.T) {
	_, err := NewMapper(ServiceCustom, MapperOptions{}).ToRequest(message.New(map[string]string{message.FieldContent: "hi"}))
	if !errors.Is(err, ErrMapping) {
		t.Fatalf("expected ErrMapping, got %v", err)
	}
}

func TestParseServiceType(t *testing.T) {
	cases := []struct {
		in     string
		want   ServiceType
		wantOK bool
	}{
		{"", ServiceDefault, true},
		{"default", ServiceDefault, true},
		{"OpenAI", ServiceOpenAI, true},
		{" ollama ", ServiceOllama, true},
		{"custom", ServiceCustom, true},
		{"anthropic", ServiceDefault, false},
	}
	for _, tc := range cases {
		got, ok := ParseServiceType(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("ParseServiceType(%q) = %s, %v; want %s, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}
