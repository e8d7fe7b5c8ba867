// Package responder abstracts the review-text backend behind a small
// interface so the simulator can run against canned, deterministic replies.
// A real inference client can satisfy the same interface without touching
// the state machine.
package responder

import (
	"context"
	"fmt"
)

type Polarity string

const (
	Positive Polarity = "positive"
	Negative Polarity = "negative"
	Critical Polarity = "critical"
)

// ValidPolarity reports whether p is one of the three review polarities.
func ValidPolarity(p Polarity) bool {
	return p == Positive || p == Negative || p == Critical
}

// Prompt describes the review being solicited.
type Prompt struct {
	ProjectID string
	Persona   string
	Action    string
	Step      int
}

// Reply is one responder outcome. Repeat > 1 asks the caller to apply the
// same reply that many times (critical replies apply once regardless).
type Reply struct {
	Polarity Polarity `yaml:"polarity"`
	Comment  string   `yaml:"comment,omitempty"`
	Human    bool     `yaml:"human,omitempty"`
	Repeat   int      `yaml:"repeat,omitempty"`
}

type Responder interface {
	Respond(ctx context.Context, p Prompt) (Reply, error)
}

// Scripted replays a fixed queue of replies in order. Deterministic by
// construction; running out of replies is a script authoring error.
type Scripted struct {
	replies []Reply
	next    int
}

func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

func (s *Scripted) Respond(_ context.Context, p Prompt) (Reply, error) {
	if s.next >= len(s.replies) {
		return Reply{}, fmt.Errorf("scripted responder exhausted after %d replies (step %d, persona %s)", len(s.replies), p.Step, p.Persona)
	}
	r := s.replies[s.next]
	s.next++
	if !ValidPolarity(r.Polarity) {
		return Reply{}, fmt.Errorf("scripted reply %d has unknown polarity %q", s.next, r.Polarity)
	}
	if r.Repeat <= 0 {
		r.Repeat = 1
	}
	if r.Comment == "" {
		r.Comment = defaultComment(p.Persona, r.Polarity)
	}
	return r, nil
}

// Remaining returns how many replies are still queued; useful for asserting
// a scenario consumed its whole script.
func (s *Scripted) Remaining() int {
	return len(s.replies) - s.next
}

func defaultComment(persona string, p Polarity) string {
	if persona == "" {
		persona = "reviewer"
	}
	switch p {
	case Positive:
		return fmt.Sprintf("%s: the current draft is sound, no blocking concerns", persona)
	case Negative:
		return fmt.Sprintf("%s: the current draft has gaps that need another pass", persona)
	default:
		return fmt.Sprintf("%s: fundamental flaw found, this stage needs to be redone", persona)
	}
}
