package schemas

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAction(t *testing.T) {
	t.Run("Click Coordinates", func(t *testing.T) {
		a, err := DecodeAction([]byte(`{"kind":"click_coordinates","x":120,"y":480,"reasoning":"submit button"}`))
		require.NoError(t, err)
		click, ok := a.(ClickCoordinates)
		require.True(t, ok)
		assert.Equal(t, 120, click.X)
		assert.Equal(t, 480, click.Y)
		assert.Equal(t, "submit button", click.Reason())
	})

	t.Run("Coordinate Zero Is Valid", func(t *testing.T) {
		// (0,0) is a legal screen position; only absent fields are errors.
		a, err := DecodeAction([]byte(`{"kind":"click_coordinates","x":0,"y":0}`))
		require.NoError(t, err)
		assert.Equal(t, ClickCoordinates{}, a)
	})

	t.Run("Unresolved Description Click", func(t *testing.T) {
		a, err := DecodeAction([]byte(`{"kind":"click_description","target":"the search box"}`))
		require.NoError(t, err)
		click, ok := a.(ClickDescription)
		require.True(t, ok)
		assert.Equal(t, "the search box", click.Target)
		assert.Zero(t, click.X)
		assert.Zero(t, click.Confidence)
	})

	t.Run("Missing Kind", func(t *testing.T) {
		_, err := DecodeAction([]byte(`{"x":5,"y":5}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kind")
	})

	t.Run("Unknown Kind Is Rejected", func(t *testing.T) {
		_, err := DecodeAction([]byte(`{"kind":"scroll","x":5}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown action kind")
	})

	t.Run("Missing Required Fields", func(t *testing.T) {
		cases := map[string]string{
			"navigate without url":       `{"kind":"navigate"}`,
			"click without coordinates":  `{"kind":"click_coordinates","x":5}`,
			"description without target": `{"kind":"click_description"}`,
			"type without text":          `{"kind":"type_text"}`,
			"press without key":          `{"kind":"press_key"}`,
			"wait without duration":      `{"kind":"wait"}`,
		}
		for name, payload := range cases {
			_, err := DecodeAction([]byte(payload))
			assert.Error(t, err, name)
		}
	})
}

func TestEncodeActionRoundTrip(t *testing.T) {
	actions := []Action{
		Navigate{URL: "https://example.com", Reasoning: "open the site"},
		ClickCoordinates{X: 0, Y: 0},
		ClickDescription{Target: "login button", X: 40, Y: 90, Confidence: 0.9},
		TypeText{Text: "hello"},
		PressKey{Key: "enter"},
		Drag{FromX: 1, FromY: 2, ToX: 3, ToY: 4},
		Wait{DurationMS: 250},
		Capture{},
		Log{Message: "observing"},
		End{Success: true, Summary: "done"},
	}
	for _, a := range actions {
		raw, err := EncodeAction(a)
		require.NoError(t, err, "encode %T", a)
		decoded, err := DecodeAction(raw)
		require.NoError(t, err, "decode %T", a)
		assert.Equal(t, a, decoded)
	}
}

func TestEncodeNilAction(t *testing.T) {
	_, err := EncodeAction(nil)
	assert.Error(t, err)
}

func TestIsAppSwitch(t *testing.T) {
	assert.True(t, IsAppSwitch(PressKey{Key: "alt+tab"}))
	assert.True(t, IsAppSwitch(PressKey{Key: "Cmd + Tab"}))
	assert.True(t, IsAppSwitch(Navigate{URL: "app://slack"}))
	assert.False(t, IsAppSwitch(PressKey{Key: "tab"}))
	assert.False(t, IsAppSwitch(Navigate{URL: "https://example.com"}))
	assert.False(t, IsAppSwitch(TypeText{Text: "alt+tab"}))
}
