package git

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestProgressLoggerThrottlesPhases(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := newProgressLogger(zap.New(core), "clone", "mammoth-cave")

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	n, err := p.Write([]byte("Counting objects:  50% (1/2)\rCounting objects: 100% (2/2)\r"))
	require.NoError(t, err)
	assert.Equal(t, 58, n)

	_, err = p.Write([]byte("Counting objects: 100% (2/2), done.\nremote: Total 2 (delta 0)\n"))
	require.NoError(t, err)

	clock = clock.Add(2 * time.Second)
	_, err = p.Write([]byte("Total 3 (delta 1)\n"))
	require.NoError(t, err)

	entries := logs.All()
	var lines []string
	for _, e := range entries {
		assert.Equal(t, "git progress", e.Message)
		assert.Equal(t, "clone", e.ContextMap()["operation"])
		assert.Equal(t, "mammoth-cave", e.ContextMap()["project"])
		lines = append(lines, e.ContextMap()["line"].(string))
	}
	assert.Equal(t, []string{
		"Counting objects:  50% (1/2)",
		"Counting objects: 100% (2/2), done.",
		"Total 2 (delta 0)",
		"Total 3 (delta 1)",
	}, lines)
}

func TestProgressPhase(t *testing.T) {
	assert.Equal(t, "receiving objects", progressPhase("Receiving objects:  45% (9/20)"))
	assert.Equal(t, "message", progressPhase("Total 2 (delta 0)"))
}
