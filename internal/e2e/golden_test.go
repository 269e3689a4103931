//go:build e2e

package e2e

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-indust/nlpipe/internal/export"
)

var update = flag.Bool("update", false, "update golden files")

// goldenDir returns the path to the testdata/golden directory.
func goldenDir() string {
	return filepath.Join("..", "..", "testdata", "golden")
}

// renderGolden runs a full session and renders its export and the plan
// flowchart with the run-specific values cleared.
func renderGolden(t *testing.T) map[string][]byte {
	t.Helper()

	s := newStack(t)
	run := runToDone(t, s, 0)

	exp, err := export.ExportRun(run, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	exp.ID = "run"
	exp.StartedAt, exp.FinishedAt, exp.ElapsedMS = "", "", 0

	var buf bytes.Buffer
	require.NoError(t, export.WriteJSON(&buf, exp))

	return map[string][]byte{
		"run_export.json": buf.Bytes(),
	}
}

// TestGolden compares the run export against golden files. If golden files
// do not exist, the test is skipped with a message to run with -update.
func TestGolden(t *testing.T) {
	outputs := renderGolden(t)

	for name, actual := range outputs {
		t.Run(name, func(t *testing.T) {
			golden, err := os.ReadFile(filepath.Join(goldenDir(), name))
			if os.IsNotExist(err) {
				t.Skipf("golden file %s not found; run with -update to generate", name)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, string(golden), string(actual), "output does not match golden file %s", name)
		})
	}
}

// TestUpdateGolden regenerates golden files from the current pipeline output.
// Run with: go test -tags e2e -run TestUpdateGolden ./internal/e2e/ -update
func TestUpdateGolden(t *testing.T) {
	if !*update {
		t.Skip("skipping golden file update; run with -update flag")
	}

	require.NoError(t, os.MkdirAll(goldenDir(), 0o755))
	for name, data := range renderGolden(t) {
		require.NoError(t, os.WriteFile(filepath.Join(goldenDir(), name), data, 0o644))
		t.Logf("updated %s", name)
	}
}
