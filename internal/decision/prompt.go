package decision

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const systemPrompt = `You are the decision core of 'deskpilot', an autonomous desktop-automation agent.
On each turn you receive the session goal, recent action history, environment facts and the current screenshot.
Respond with exactly one JSON object describing the next action.

Available action kinds:
- {"kind": "navigate", "url": "...", "reasoning": "..."} - open a URL or app:// URI.
- {"kind": "click_coordinates", "x": 100, "y": 200, "reasoning": "..."} - click an absolute position.
- {"kind": "click_description", "target": "the search box", "reasoning": "..."} - click an element described in words; coordinates are resolved separately.
- {"kind": "type_text", "text": "...", "reasoning": "..."} - type into the focused element. Click the target input first.
- {"kind": "press_key", "key": "enter", "reasoning": "..."} - press a key or chord such as "enter", "escape", "alt+tab".
- {"kind": "drag", "from_x": 0, "from_y": 0, "to_x": 10, "to_y": 10, "reasoning": "..."}
- {"kind": "wait", "duration_ms": 1500, "reasoning": "..."} - pause for slow UI.
- {"kind": "capture", "reasoning": "..."} - request a fresh screenshot without interacting.
- {"kind": "log", "message": "...", "reasoning": "..."} - record a diagnostic, no interaction.
- {"kind": "end", "success": true, "summary": "...", "reasoning": "..."} - finish the session.

If the goal is too ambiguous to act on, respond instead with:
- {"kind": "clarification", "question": "..."}

Rules:
1. Never repeat an action that visibly changed nothing. If the screen has not changed for several iterations, something is blocking you - look for overlays or dialogs to dismiss first.
2. Always click an input before typing into it.
3. Your response must be only the JSON object.`

const alignmentSystemPrompt = `You audit an autonomous desktop-automation agent.
Given the goal, recent actions and the current screenshot, judge whether the visible screen state is consistent with progress toward the goal.
Respond with exactly one JSON object: {"aligned": true} when consistent, or {"aligned": false, "question": "<one concise question for the user>"} when the agent appears to be operating on the wrong screen or misreading its task.`

// buildUserPrompt renders the session context into the user turn.
func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Iteration: %d of %d\n", req.Iteration, req.MaxIterations)

	if step, ok := req.Plan.Step(); ok {
		fmt.Fprintf(&b, "Plan step %d/%d: %s", req.Plan.CurrentStep+1, len(req.Plan.Steps), step.Description)
		if step.SuccessCriteria != "" {
			fmt.Fprintf(&b, " (done when: %s)", step.SuccessCriteria)
		}
		b.WriteString("\n")
	}

	if len(req.Environment) > 0 {
		b.WriteString("Environment:\n")
		for _, k := range sortedKeys(req.Environment) {
			fmt.Fprintf(&b, "  %s: %s\n", k, req.Environment[k])
		}
	}

	if len(req.Answers) > 0 {
		b.WriteString("User clarifications:\n")
		for _, k := range sortedKeys(req.Answers) {
			fmt.Fprintf(&b, "  %s: %s\n", k, req.Answers[k])
		}
	}

	if len(req.Milestones) > 0 {
		fmt.Fprintf(&b, "Progress so far: %s\n", strings.Join(req.Milestones, ", "))
	}

	if len(req.History) > 0 {
		b.WriteString("Recent actions (oldest first):\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "  - %s\n", h)
		}
	}

	if req.UIChanged {
		b.WriteString("The screen changed since the last action.\n")
	} else if req.UnchangedCount > 0 {
		fmt.Fprintf(&b, "The screen has NOT changed for %d consecutive captures.\n", req.UnchangedCount)
	}

	b.WriteString("Decide the next action. Respond with a single JSON object.")
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonBlockRegex extracts a JSON object from a markdown code fence.
var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// extractJSON pulls the JSON object out of a model response that may wrap it
// in a code fence or surrounding prose.
func extractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)

	if matches := jsonBlockRegex.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1]), nil
	}

	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first != -1 && last > first {
		return response[first : last+1], nil
	}
	return "", fmt.Errorf("no JSON object in model response")
}
