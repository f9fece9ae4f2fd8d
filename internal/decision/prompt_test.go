package decision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantico/deskpilot/api/schemas"
)

func TestBuildUserPrompt(t *testing.T) {
	req := Request{
		Goal: "archive all newsletters",
		Plan: &schemas.Plan{Steps: []schemas.PlanStep{
			{ID: "open", Description: "open the inbox", SuccessCriteria: "inbox visible"},
		}},
		History:        []string{"navigate https://mail.example.com", "click (40,80)"},
		Environment:    map[string]string{"url": "https://mail.example.com", "active_app": "browser"},
		Answers:        map[string]string{"account": "work"},
		Milestones:     []string{"url_opened"},
		UnchangedCount: 3,
		Iteration:      4,
		MaxIterations:  30,
	}

	prompt := buildUserPrompt(req)

	assert.Contains(t, prompt, "Goal: archive all newsletters")
	assert.Contains(t, prompt, "Iteration: 4 of 30")
	assert.Contains(t, prompt, "Plan step 1/1: open the inbox (done when: inbox visible)")
	assert.Contains(t, prompt, "account: work")
	assert.Contains(t, prompt, "Progress so far: url_opened")
	assert.Contains(t, prompt, "click (40,80)")
	assert.Contains(t, prompt, "NOT changed for 3 consecutive captures")

	// Environment facts render in a stable order.
	assert.Less(t, strings.Index(prompt, "active_app:"), strings.Index(prompt, "url:"))
}

func TestExtractJSON(t *testing.T) {
	t.Run("Bare Object", func(t *testing.T) {
		out, err := extractJSON(`{"kind":"capture"}`)
		require.NoError(t, err)
		assert.Equal(t, `{"kind":"capture"}`, out)
	})

	t.Run("Fenced Without Language Tag", func(t *testing.T) {
		out, err := extractJSON("```\n{\"a\":1}\n```")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, out)
	})

	t.Run("Object Embedded In Prose", func(t *testing.T) {
		out, err := extractJSON(`Sure! The action is {"kind":"capture"} as requested.`)
		require.NoError(t, err)
		assert.Equal(t, `{"kind":"capture"}`, out)
	})

	t.Run("No Object", func(t *testing.T) {
		_, err := extractJSON("cannot decide")
		assert.Error(t, err)
	})
}
