package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_CloneIsDeep(t *testing.T) {
	orig := Config{
		"PROCESS_DELAY": 5,
		"TAGS":          []any{"a", "b"},
		"NESTED":        map[string]any{"inner": 1},
	}

	clone := orig.Clone()
	clone["PROCESS_DELAY"] = 10
	clone["TAGS"].([]any)[0] = "mutated"
	clone["NESTED"].(map[string]any)["inner"] = 99

	assert.Equal(t, 5, orig["PROCESS_DELAY"])
	assert.Equal(t, "a", orig["TAGS"].([]any)[0])
	assert.Equal(t, 1, orig["NESTED"].(map[string]any)["inner"])
}

func TestConfig_CloneNil(t *testing.T) {
	var c Config
	clone := c.Clone()
	require.NotNil(t, clone)
	clone["x"] = 1
	assert.Len(t, clone, 1)
}

func TestConfig_Diff(t *testing.T) {
	current := Config{"A": 1, "B": "same", "C": true}

	t.Run("no changes", func(t *testing.T) {
		assert.Empty(t, current.Diff(Config{"A": 1, "B": "same", "C": true}))
	})

	t.Run("changed and added keys, sorted", func(t *testing.T) {
		changed := current.Diff(Config{"A": 2, "B": "same", "C": true, "D": "new"})
		assert.Equal(t, []string{"A", "D"}, changed)
	})

	t.Run("nested value compared deeply", func(t *testing.T) {
		cur := Config{"N": map[string]any{"x": 1}}
		assert.Empty(t, cur.Diff(Config{"N": map[string]any{"x": 1}}))
		assert.Equal(t, []string{"N"}, cur.Diff(Config{"N": map[string]any{"x": 2}}))
	})
}

func TestConfig_ApplyFrom(t *testing.T) {
	current := Config{"A": 1, "B": "keep"}
	desired := Config{"A": 2, "B": "ignored", "C": "new"}

	current.ApplyFrom(desired, []string{"A", "C"})

	assert.Equal(t, 2, current["A"])
	assert.Equal(t, "keep", current["B"])
	assert.Equal(t, "new", current["C"])
}

func TestConfig_Getters(t *testing.T) {
	c := Config{
		"STR":      "hello",
		"INT":      7,
		"INT64":    int64(8),
		"FLOATINT": float64(9),
		"FLOAT":    1.5,
		"BOOL":     true,
		"DUR_NUM":  2,
		"DUR_STR":  "1500ms",
		"SLICE":    []any{"x", "y"},
	}

	assert.Equal(t, "hello", c.String("STR", "def"))
	assert.Equal(t, "def", c.String("MISSING", "def"))
	assert.Equal(t, 7, c.Int("INT", 0))
	assert.Equal(t, 8, c.Int("INT64", 0))
	assert.Equal(t, 9, c.Int("FLOATINT", 0))
	assert.Equal(t, 42, c.Int("MISSING", 42))
	assert.Equal(t, 1.5, c.Float("FLOAT", 0))
	assert.Equal(t, 7.0, c.Float("INT", 0))
	assert.True(t, c.Bool("BOOL", false))
	assert.True(t, c.Bool("MISSING", true))
	assert.Equal(t, 2*time.Second, c.Duration("DUR_NUM", 0))
	assert.Equal(t, 1500*time.Millisecond, c.Duration("DUR_STR", 0))
	assert.Equal(t, time.Minute, c.Duration("MISSING", time.Minute))
	assert.Equal(t, []string{"x", "y"}, c.StringSlice("SLICE"))
	assert.Nil(t, c.StringSlice("MISSING"))
}
