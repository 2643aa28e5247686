package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/socraticlabs/bench/pipeline/storage"
	"github.com/socraticlabs/bench/pipeline/storage/inmem"
)

const validConfig = `{
  "models": [
    {"model_id": "claude-sonnet", "parameters": {"temperature": 0.2}},
    {"model_id": "gpt-4o"}
  ],
  "scenarios": ["algebra-intro", "photosynthesis"],
  "rubric_version": "socratic/v1",
  "parameters": {"turn_cap": 5, "temperature": 0.0, "seed": 42}
}`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Models, 2)
	require.Equal(t, "claude-sonnet", cfg.Models[0].ModelID)
	require.Equal(t, []string{"algebra-intro", "photosynthesis"}, cfg.Scenarios)
	require.Equal(t, "socratic/v1", cfg.RubricVersion)
	require.Equal(t, 5, cfg.Parameters.TurnCap)
	require.Equal(t, int64(42), cfg.Parameters.Seed)
}

func TestParseRejections(t *testing.T) {
	cases := map[string]string{
		"empty models":         `{"models": [], "scenarios": ["s"], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1}}`,
		"missing scenarios":    `{"models": [{"model_id": "m"}], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1}}`,
		"empty model id":       `{"models": [{"model_id": ""}], "scenarios": ["s"], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1}}`,
		"zero turn cap":        `{"models": [{"model_id": "m"}], "scenarios": ["s"], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 0}}`,
		"missing parameters":   `{"models": [{"model_id": "m"}], "scenarios": ["s"], "rubric_version": "socratic/v1"}`,
		"unknown rubric":       `{"models": [{"model_id": "m"}], "scenarios": ["s"], "rubric_version": "socratic/v99", "parameters": {"turn_cap": 1}}`,
		"not json":             `{`,
		"non-string scenario":  `{"models": [{"model_id": "m"}], "scenarios": [3], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1}}`,
		"negative temperature": `{"models": [{"model_id": "m"}], "scenarios": ["s"], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1, "temperature": -1}}`,
		"fractional turn cap":  `{"models": [{"model_id": "m"}], "scenarios": ["s"], "rubric_version": "socratic/v1", "parameters": {"turn_cap": 1.5}}`,
	}
	for name, raw := range cases {
		_, err := Parse([]byte(raw))
		require.Error(t, err, name)
	}
}

func TestLoadFromBlob(t *testing.T) {
	ctx := context.Background()
	blob := inmem.NewBlob()
	require.NoError(t, blob.Put(ctx, storage.ConfigPath, []byte(validConfig)))

	cfg, err := Load(ctx, blob)
	require.NoError(t, err)
	require.Len(t, cfg.Models, 2)
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(context.Background(), inmem.NewBlob())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCanonicalStableAcrossFormatting(t *testing.T) {
	compact := `{"models":[{"model_id":"m"}],"scenarios":["s"],"rubric_version":"socratic/v1","parameters":{"turn_cap":3}}`
	spaced := `{
	  "parameters": {"turn_cap": 3},
	  "rubric_version": "socratic/v1",
	  "scenarios": ["s"],
	  "models": [{"model_id": "m"}]
	}`
	c1, err := Parse([]byte(compact))
	require.NoError(t, err)
	c2, err := Parse([]byte(spaced))
	require.NoError(t, err)

	canon1, err := c1.Canonical()
	require.NoError(t, err)
	canon2, err := c2.Canonical()
	require.NoError(t, err)
	require.Equal(t, string(canon1), string(canon2))
}
