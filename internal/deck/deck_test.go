package deck

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeckValidate(t *testing.T) {
	tests := []struct {
		name    string
		deck    Deck
		wantErr string
	}{
		{
			name:    "missing name",
			deck:    Deck{},
			wantErr: "name is required",
		},
		{
			name: "valid",
			deck: Deck{
				Name:    "root",
				Actions: []Action{{Name: "lookup", Deck: "decks/lookup"}},
			},
		},
		{
			name: "reserved action name",
			deck: Deck{
				Name:    "root",
				Actions: []Action{{Name: "gambit_lookup", Deck: "decks/lookup"}},
			},
			wantErr: "reserved prefix",
		},
		{
			name: "duplicate action",
			deck: Deck{
				Name: "root",
				Actions: []Action{
					{Name: "lookup", Deck: "a"},
					{Name: "lookup", Deck: "b"},
				},
			},
			wantErr: "duplicate action",
		},
		{
			name: "action without deck",
			deck: Deck{
				Name:    "root",
				Actions: []Action{{Name: "lookup"}},
			},
			wantErr: "no deck reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.deck.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestDeckTools_Hardened(t *testing.T) {
	d := Deck{
		Name: "root",
		Actions: []Action{{
			Name: "lookup",
			Deck: "decks/lookup",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []any{"q", "stale"},
			},
		}},
	}

	tools := d.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, false, tools[0].Parameters["additionalProperties"])
	assert.Equal(t, []any{"q"}, tools[0].Parameters["required"])
}

func TestGuardrailsResolve(t *testing.T) {
	parent := Defaults()

	child := Guardrails{MaxDepth: 5}.Resolve(parent)
	assert.Equal(t, 5, child.MaxDepth)
	assert.Equal(t, DefaultMaxPasses, child.MaxPasses)
	assert.Equal(t, DefaultTimeoutMs, child.TimeoutMs)

	assert.Equal(t, parent, Guardrails{}.Resolve(parent))
	assert.Equal(t, 120*time.Second, parent.Timeout())
}

func TestHandlerDefaults(t *testing.T) {
	h := Handler{Path: "decks/busy"}
	assert.Equal(t, 800*time.Millisecond, h.Delay())
	assert.Equal(t, time.Duration(0), h.Repeat())

	h = Handler{Path: "decks/busy", DelayMs: 100, RepeatMs: 250}
	assert.Equal(t, 100*time.Millisecond, h.Delay())
	assert.Equal(t, 250*time.Millisecond, h.Repeat())
}

func TestLoadDir(t *testing.T) {
	fsys := fstest.MapFS{
		"root.yaml": &fstest.MapFile{Data: []byte(`
name: root
model: ollama/llama3
instructions: Answer briefly.
guardrails:
  maxPasses: 4
actions:
  - name: lookup
    description: Look something up.
    deck: decks/lookup
handlers:
  onBusy:
    path: decks/busy
    delayMs: 500
`)},
		"decks/lookup.yaml": &fstest.MapFile{Data: []byte(`
name: lookup
model: ollama/llama3
instructions: Find the thing.
`)},
		"README.md": &fstest.MapFile{Data: []byte("not a deck")},
	}

	lib, err := LoadDir(fsys)
	require.NoError(t, err)

	root, ok := lib.Get("root")
	require.True(t, ok)
	assert.Equal(t, "ollama/llama3", root.Model)
	assert.Equal(t, 4, root.Guardrails.MaxPasses)
	require.NotNil(t, root.Handlers.OnBusy)
	assert.Equal(t, "decks/busy", root.Handlers.OnBusy.Path)

	_, ok = lib.Get("decks/lookup")
	assert.True(t, ok)
	assert.Len(t, lib.Paths(), 2)
}

func TestLoadDir_InvalidDeck(t *testing.T) {
	fsys := fstest.MapFS{
		"bad.yaml": &fstest.MapFile{Data: []byte(`
name: bad
actions:
  - name: gambit_x
    deck: y
`)},
	}

	_, err := LoadDir(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved prefix")
}

func TestValidators(t *testing.T) {
	assert.NoError(t, Permissive().Validate(map[string]any{"a": 1}))
	assert.NoError(t, RequireString().Validate("ok"))
	assert.Error(t, RequireString().Validate(42))
}
