package responder_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperline/internal/responder"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	s := responder.NewScripted(
		responder.Reply{Polarity: responder.Positive, Comment: "looks good"},
		responder.Reply{Polarity: responder.Negative, Comment: "needs work", Human: true},
		responder.Reply{Polarity: responder.Critical, Comment: "redo this"},
	)
	ctx := context.Background()
	prompt := responder.Prompt{ProjectID: "proj-1", Persona: "alice", Step: 1}

	r, err := s.Respond(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, responder.Positive, r.Polarity)
	assert.Equal(t, "looks good", r.Comment)

	r, err = s.Respond(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, responder.Negative, r.Polarity)
	assert.True(t, r.Human)

	r, err = s.Respond(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, responder.Critical, r.Polarity)
	assert.Equal(t, 0, s.Remaining())
}

func TestScriptedExhaustionIsAnError(t *testing.T) {
	s := responder.NewScripted(responder.Reply{Polarity: responder.Positive})
	ctx := context.Background()
	_, err := s.Respond(ctx, responder.Prompt{Step: 1})
	require.NoError(t, err)
	_, err = s.Respond(ctx, responder.Prompt{Step: 2, Persona: "bob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	assert.Contains(t, err.Error(), "step 2")
}

func TestRepeatDefaultsToOne(t *testing.T) {
	s := responder.NewScripted(
		responder.Reply{Polarity: responder.Positive},
		responder.Reply{Polarity: responder.Positive, Repeat: 10},
	)
	ctx := context.Background()
	r, err := s.Respond(ctx, responder.Prompt{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Repeat)
	r, err = s.Respond(ctx, responder.Prompt{})
	require.NoError(t, err)
	assert.Equal(t, 10, r.Repeat)
}

func TestDefaultCommentsMentionPersona(t *testing.T) {
	for _, polarity := range []responder.Polarity{responder.Positive, responder.Negative, responder.Critical} {
		s := responder.NewScripted(responder.Reply{Polarity: polarity})
		r, err := s.Respond(context.Background(), responder.Prompt{Persona: "methodology-reviewer"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(r.Comment, "methodology-reviewer:"), "comment %q", r.Comment)
	}
	// no persona falls back to a generic reviewer voice
	s := responder.NewScripted(responder.Reply{Polarity: responder.Positive})
	r, err := s.Respond(context.Background(), responder.Prompt{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.Comment, "reviewer:"), "comment %q", r.Comment)
}

func TestUnknownPolarityRejected(t *testing.T) {
	s := responder.NewScripted(responder.Reply{Polarity: "meh"})
	_, err := s.Respond(context.Background(), responder.Prompt{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polarity")
}
