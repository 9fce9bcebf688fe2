package classifier_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberwatch/internal/classifier"
)

// Two stumps: one splits on temperature at 45, one on smoke at 300.
const forestJSON = `{
  "features": ["temperature", "humidity", "smoke"],
  "classes": [0, 1],
  "trees": [
    {"nodes": [
      {"feature": 0, "threshold": 45, "left": 1, "right": 2},
      {"left": -1, "right": -1, "value": [90, 10]},
      {"left": -1, "right": -1, "value": [10, 90]}
    ]},
    {"nodes": [
      {"feature": 2, "threshold": 300, "left": 1, "right": 2},
      {"left": -1, "right": -1, "value": [8, 2]},
      {"left": -1, "right": -1, "value": [1, 9]}
    ]}
  ]
}`

func writeModel(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fire_model.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestForestPredict(t *testing.T) {
	path := writeModel(t, t.TempDir(), forestJSON)

	f, err := classifier.LoadForest(path)
	require.NoError(t, err)

	class, probs, err := f.Predict(classifier.Features{20, 50, 100})
	require.NoError(t, err)
	assert.Equal(t, 0, class)
	assert.InDelta(t, 0.15, probs[1], 1e-9)

	class, probs, err = f.Predict(classifier.Features{50, 50, 500})
	require.NoError(t, err)
	assert.Equal(t, 1, class)
	assert.InDelta(t, 0.9, probs[1], 1e-9)

	// Split threshold goes left on equality.
	_, probs, err = f.Predict(classifier.Features{45, 50, 300})
	require.NoError(t, err)
	assert.InDelta(t, 0.15, probs[1], 1e-9)
}

func TestLoadBackend(t *testing.T) {
	dir := t.TempDir()

	missing := classifier.LoadBackend(filepath.Join(dir, "absent.json"))
	_, ok := missing.(classifier.Unavailable)
	assert.True(t, ok, "missing model should yield Unavailable")

	bad := classifier.LoadBackend(writeModel(t, dir, `{"features": ["t"]`))
	_, ok = bad.(classifier.Unavailable)
	assert.True(t, ok, "malformed model should yield Unavailable")

	good := classifier.LoadBackend(writeModel(t, dir, forestJSON))
	_, ok = good.(classifier.LoadedModel)
	assert.True(t, ok)
}

func TestLoadForestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"wrong feature count", `{"features":["a","b"],"classes":[0,1],"trees":[{"nodes":[{"left":-1,"right":-1,"value":[1,1]}]}]}`},
		{"wrong classes", `{"features":["a","b","c"],"classes":[1,2],"trees":[{"nodes":[{"left":-1,"right":-1,"value":[1,1]}]}]}`},
		{"no trees", `{"features":["a","b","c"],"classes":[0,1],"trees":[]}`},
		{"backward child", `{"features":["a","b","c"],"classes":[0,1],"trees":[{"nodes":[{"feature":0,"threshold":1,"left":0,"right":1},{"left":-1,"right":-1,"value":[1,1]}]}]}`},
		{"feature out of range", `{"features":["a","b","c"],"classes":[0,1],"trees":[{"nodes":[{"feature":5,"threshold":1,"left":1,"right":2},{"left":-1,"right":-1,"value":[1,1]},{"left":-1,"right":-1,"value":[1,1]}]}]}`},
		{"short leaf", `{"features":["a","b","c"],"classes":[0,1],"trees":[{"nodes":[{"left":-1,"right":-1,"value":[1]}]}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classifier.LoadForest(writeModel(t, t.TempDir(), tt.body))
			assert.Error(t, err)
		})
	}

	_, err := classifier.LoadForest(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, classifier.ErrModelNotFound)
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeModel(t, dir, forestJSON)

	c := classifier.New(classifier.Config{}, nil)
	require.NoError(t, c.Reload(path))
	require.True(t, c.Available())

	writeModel(t, dir, `not json`)
	assert.Error(t, c.Reload(path))
	assert.True(t, c.Available(), "failed reload must keep the loaded model")
}
