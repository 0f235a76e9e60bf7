package session

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a Turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const SegmentText = "text"

// Segment is one piece of a Turn's content. Text segments are decoded into
// Text; any other segment type keeps its original JSON so it can be passed
// through unchanged.
type Segment struct {
	Type string
	Text string
	raw  json.RawMessage
}

// TextSegment returns a text segment.
func TextSegment(text string) Segment {
	return Segment{Type: SegmentText, Text: text}
}

func (s Segment) MarshalJSON() ([]byte, error) {
	if s.Type != SegmentText && len(s.raw) > 0 {
		return s.raw, nil
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: s.Type, Text: s.Text})
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	s.Type = head.Type
	s.Text = head.Text
	s.raw = nil
	if head.Type != SegmentText {
		s.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// Content is what a model returns for one message: either a bare string or an
// already segmented list. It is normalized into segments exactly once, when a
// turn is built.
type Content interface {
	segments() []Segment
}

// Plain is a bare string reply.
type Plain string

// Segmented is a reply that already carries typed segments.
type Segmented []Segment

func (p Plain) segments() []Segment { return []Segment{TextSegment(string(p))} }

func (s Segmented) segments() []Segment { return append([]Segment(nil), s...) }

// Turn is a single message in a conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content []Segment `json:"content"`
	// Opening marks the user turn recorded for session.start. It stays in
	// the history but is not sent to the model.
	Opening bool `json:"-"`
}

// NewTurn normalizes c into segment form.
func NewTurn(role Role, c Content) Turn {
	return Turn{Role: role, Content: c.segments()}
}

// TextTurn is shorthand for NewTurn(role, Plain(text)).
func TextTurn(role Role, text string) Turn {
	return NewTurn(role, Plain(text))
}

// Text concatenates the text segments of t.
func (t Turn) Text() string {
	var b strings.Builder
	for _, s := range t.Content {
		if s.Type == SegmentText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

func (t Turn) clone() Turn {
	t.Content = append([]Segment(nil), t.Content...)
	return t
}

// History is the ordered list of turns of one session.
type History []Turn

// Clone returns a deep copy of h.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	for i, t := range h {
		out[i] = t.clone()
	}
	return out
}
