package message

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ErrFormat reports a structurally invalid message document.
var ErrFormat = errors.New("message: invalid format")

// Well-known field names of the platform's message documents.
const (
	FieldToUserName   = "ToUserName"
	FieldFromUserName = "FromUserName"
	FieldCreateTime   = "CreateTime"
	FieldMsgType      = "MsgType"
	FieldContent      = "Content"
	FieldMsgID        = "MsgId"
	FieldEncrypt      = "Encrypt"
	FieldMediaID      = "MediaId"
)

// KindText is the only kind whose content is literal text. Every other kind
// carries a media reference.
const KindText = "text"

// Message is an immutable view of a decoded tag-value document.
type Message struct {
	fields map[string]string
}

// New builds a Message from a field map. The map is copied.
func New(fields map[string]string) Message {
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Message{fields: cp}
}

// Get returns the value for a tag, or "" when the tag is absent or empty.
func (m Message) Get(key string) string { return m.fields[key] }

// Has reports whether the tag was present in the document.
func (m Message) Has(key string) bool {
	_, ok := m.fields[key]
	return ok
}

// Fields returns a copy of all fields.
func (m Message) Fields() map[string]string {
	out := make(map[string]string, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m.fields))
	for k := range m.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m Message) ToUserName() string   { return m.fields[FieldToUserName] }
func (m Message) FromUserName() string { return m.fields[FieldFromUserName] }
func (m Message) MsgType() string      { return m.fields[FieldMsgType] }
func (m Message) Content() string      { return m.fields[FieldContent] }
func (m Message) CreateTime() string   { return m.fields[FieldCreateTime] }
func (m Message) MsgID() string        { return m.fields[FieldMsgID] }
func (m Message) Encrypt() string      { return m.fields[FieldEncrypt] }

var prologueEncoding = regexp.MustCompile(`(?i)encoding\s*=\s*["']([^"']+)["']`)

// Parse decodes a document such as
//
//	<xml><ToUserName><![CDATA[gh_1]]></ToUserName><Content><![CDATA[hi]]></Content></xml>
//
// Direct children of the root map to their trimmed text. Nested leaves are
// additionally exposed as "Parent.Child".
func Parse(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("<?xml")) {
		end := bytes.Index(data, []byte("?>"))
		if end < 0 {
			return Message{}, fmt.Errorf("%w: unterminated declaration", ErrFormat)
		}
		if m := prologueEncoding.FindSubmatch(data[:end]); m != nil {
			enc := strings.ToLower(string(m[1]))
			if enc != "utf-8" && enc != "utf8" {
				return Message{}, fmt.Errorf("%w: unsupported encoding %q", ErrFormat, m[1])
			}
		}
		data = bytes.TrimSpace(data[end+2:])
	}
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: empty document", ErrFormat)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	fields := map[string]string{}

	var (
		stack []string
		texts []*strings.Builder
		root  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				if root {
					return Message{}, fmt.Errorf("%w: multiple root elements", ErrFormat)
				}
				root = true
			}
			stack = append(stack, t.Name.Local)
			texts = append(texts, &strings.Builder{})
		case xml.CharData:
			if len(texts) > 0 {
				texts[len(texts)-1].Write(t)
			} else if len(bytes.TrimSpace(t)) > 0 {
				return Message{}, fmt.Errorf("%w: text outside root element", ErrFormat)
			}
		case xml.EndElement:
			depth := len(stack)
			text := strings.TrimSpace(texts[depth-1].String())
			switch {
			case depth == 2:
				fields[stack[1]] = text
			case depth > 2:
				fields[strings.Join(stack[1:], ".")] = text
				if _, ok := fields[stack[1]]; !ok {
					fields[stack[1]] = ""
				}
			}
			stack = stack[:depth-1]
			texts = texts[:depth-1]
		}
	}
	if !root {
		return Message{}, fmt.Errorf("%w: no root element", ErrFormat)
	}
	if len(stack) != 0 {
		return Message{}, fmt.Errorf("%w: unclosed element %q", ErrFormat, stack[len(stack)-1])
	}
	return Message{fields: fields}, nil
}

// ParseString is Parse for string input.
func ParseString(s string) (Message, error) {
	return Parse([]byte(s))
}

// Build renders a reply document stamped with the current time.
func Build(kind, content, from, to string) (string, error) {
	return BuildAt(kind, content, from, to, time.Now())
}

// BuildAt renders a reply document with an explicit creation time. For
// non-text kinds content is written as the MediaId of a <Kind> element.
func BuildAt(kind, content, from, to string, at time.Time) (string, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = KindText
	}
	var b strings.Builder
	b.WriteString("<xml>")
	writeCDATA(&b, FieldToUserName, to)
	writeCDATA(&b, FieldFromUserName, from)
	b.WriteString("<" + FieldCreateTime + ">" + strconv.FormatInt(at.Unix(), 10) + "</" + FieldCreateTime + ">")
	writeCDATA(&b, FieldMsgType, kind)
	if kind == KindText {
		writeCDATA(&b, FieldContent, content)
	} else {
		if !kindPattern.MatchString(kind) {
			return "", fmt.Errorf("%w: invalid reply kind %q", ErrFormat, kind)
		}
		tag := mediaTag(kind)
		b.WriteString("<" + tag + ">")
		writeCDATA(&b, FieldMediaID, content)
		b.WriteString("</" + tag + ">")
	}
	b.WriteString("</xml>")

	doc := b.String()
	if _, err := ParseString(doc); err != nil {
		return "", fmt.Errorf("message: built document does not re-parse: %w", err)
	}
	return doc, nil
}

// EncryptedReply is the envelope wrapper returned in encrypted mode.
type EncryptedReply struct {
	Encrypt      string
	MsgSignature string
	TimeStamp    string
	Nonce        string
}

// BuildEncrypted renders the encrypted reply wrapper.
func BuildEncrypted(r EncryptedReply) string {
	var b strings.Builder
	b.WriteString("<xml>")
	writeCDATA(&b, FieldEncrypt, r.Encrypt)
	writeCDATA(&b, "MsgSignature", r.MsgSignature)
	b.WriteString("<TimeStamp>" + r.TimeStamp + "</TimeStamp>")
	writeCDATA(&b, "Nonce", r.Nonce)
	b.WriteString("</xml>")
	return b.String()
}

func writeCDATA(b *strings.Builder, tag, value string) {
	b.WriteString("<" + tag + "><![CDATA[")
	// "]]>" cannot appear inside a CDATA section; split it across two sections.
	b.WriteString(strings.ReplaceAll(value, "]]>", "]]]]><![CDATA[>"))
	b.WriteString("]]></" + tag + ">")
}

// kindPattern limits non-text kinds to names usable as an element tag.
var kindPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

func mediaTag(kind string) string {
	kind = strings.ToLower(kind)
	r, size := utf8.DecodeRuneInString(kind)
	if r == utf8.RuneError {
		return kind
	}
	return string(unicode.ToUpper(r)) + kind[size:]
}
