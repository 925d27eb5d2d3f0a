package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/pdp-extractor/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageSessionDegraded, SessionID: "s1", Note: "launch failed"},
		{RunID: runID, TS: time.Now(), Stage: progress.StageTaskDone, URL: "https://x.example/1", Status: "success"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "s1", entries[0].ContextMap()["session_id"])
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "success", entries[1].ContextMap()["status"])
}
