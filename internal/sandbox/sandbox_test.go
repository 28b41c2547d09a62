package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelia-ai/facet/internal/testutil"
)

const averageScript = `
import "encoding/json"

func Derive(input string) (string, error) {
	var ctx struct {
		Input map[string]struct {
			Value float64 ` + "`json:\"value\"`" + `
		} ` + "`json:\"input\"`" + `
	}
	if err := json.Unmarshal([]byte(input), &ctx); err != nil {
		return "", err
	}
	avg := (ctx.Input["KnowsCapital"].Value + ctx.Input["KnowsCleanest"].Value) / 2
	out, err := json.Marshal(map[string]any{
		"attributes": map[string]any{
			"QuizScore": map[string]any{"value": avg},
		},
	})
	return string(out), err
}
`

func TestExecuteDerivesOutput(t *testing.T) {
	e := New(testutil.Logger())
	input := `{"input":{"KnowsCapital":{"value":80},"KnowsCleanest":{"value":60}}}`

	out, err := e.Execute(context.Background(), "quiz-score", averageScript, input)
	require.NoError(t, err)
	assert.Contains(t, out, `"QuizScore"`)
	assert.Contains(t, out, "70")
}

func TestExecuteForbiddenImport(t *testing.T) {
	e := New(testutil.Logger())
	script := `
import "os"

func Derive(input string) (string, error) {
	return os.Getenv("HOME"), nil
}
`
	_, err := e.Execute(context.Background(), "s", script, "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden import")
}

func TestExecuteMissingEntryFunction(t *testing.T) {
	e := New(testutil.Logger())
	_, err := e.Execute(context.Background(), "s", `func NotDerive(input string) (string, error) { return "", nil }`, "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Derive")
}

func TestExecuteWrongSignature(t *testing.T) {
	e := New(testutil.Logger())
	_, err := e.Execute(context.Background(), "s", `func Derive(n int) int { return n }`, "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestExecuteScriptReturnsError(t *testing.T) {
	e := New(testutil.Logger())
	script := `
import "errors"

func Derive(input string) (string, error) {
	return "", errors.New("no data")
}
`
	_, err := e.Execute(context.Background(), "s", script, "{}")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data")
}

func TestExecuteTimeout(t *testing.T) {
	e := New(testutil.Logger())
	script := `
func Derive(input string) (string, error) {
	for {
	}
	return "", nil
}
`
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, "spinner", script, "{}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecuteCompileError(t *testing.T) {
	e := New(testutil.Logger())
	_, err := e.Execute(context.Background(), "s", `func Derive(input string (string, error) {`, "{}")
	require.Error(t, err)
}

func TestExecuteNoStateLeaksBetweenRuns(t *testing.T) {
	e := New(testutil.Logger())
	counter := `
var n int

func Derive(input string) (string, error) {
	n++
	if n > 1 {
		return "leaked", nil
	}
	return "fresh", nil
}
`
	for range 3 {
		out, err := e.Execute(context.Background(), "s", counter, "{}")
		require.NoError(t, err)
		assert.Equal(t, "fresh", out)
	}
}

func TestExecutePackageClauseRejectedUnlessMain(t *testing.T) {
	e := New(testutil.Logger())
	script := strings.Join([]string{
		"package scripts",
		"",
		`func Derive(input string) (string, error) { return "", nil }`,
	}, "\n")
	_, err := e.Execute(context.Background(), "s", script, "{}")
	require.Error(t, err)
}

func TestExecuteLoggingHook(t *testing.T) {
	e := New(testutil.Logger())
	script := `
import "facetlog"

func Derive(input string) (string, error) {
	facetlog.Printf("seen input of %d bytes", len(input))
	return "ok", nil
}
`
	out, err := e.Execute(context.Background(), "s", script, "{}")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
