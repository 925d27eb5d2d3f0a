package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pdp-extractor/internal/config"
	"github.com/JakeFAU/pdp-extractor/internal/dispatcher"
)

type fakeRunner struct {
	summary dispatcher.Summary
	err     error
	closed  bool
	// during runs inside Run before it returns.
	during func(ctx context.Context)
}

func (f *fakeRunner) Run(ctx context.Context) (dispatcher.Summary, error) {
	if f.during != nil {
		f.during(ctx)
	}
	return f.summary, f.err
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeRunner) Logger() *zap.Logger { return zap.NewNop() }

func withFakeApp(t *testing.T, r *fakeRunner) *config.Config {
	t.Helper()
	var got config.Config
	prev := newApp
	newApp = func(_ context.Context, cfg config.Config) (runner, error) {
		got = cfg
		return r, nil
	}
	t.Cleanup(func() { newApp = prev })
	return &got
}

func inputFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.csv")
	require.NoError(t, os.WriteFile(path, []byte("URL\nhttps://shop.example.com/p/1\n"), 0o600))
	return path
}

func TestRunFlagsReachConfig(t *testing.T) {
	r := &fakeRunner{summary: dispatcher.Summary{Total: 1, Completed: 1}}
	got := withFakeApp(t, r)
	input := inputFile(t)

	var stderr bytes.Buffer
	code := execute([]string{"run", "--input", input, "--output", "out.xlsx", "--workers", "7", "--engine", "static", "--limit", "3"}, &stderr)
	require.Equal(t, ExitOK, code, stderr.String())

	assert.Equal(t, input, got.Input.Path)
	assert.Equal(t, "out.xlsx", got.Output.Path)
	assert.Equal(t, 7, got.Run.Workers)
	assert.Equal(t, 3, got.Input.Limit)
	assert.Equal(t, config.EngineStatic, got.Renderer.Engine)
	assert.True(t, got.Renderer.Headless)
	assert.True(t, r.closed)
}

func TestRunInterruptedExitsTwo(t *testing.T) {
	r := &fakeRunner{summary: dispatcher.Summary{Total: 5, Completed: 2, Interrupted: true}}
	withFakeApp(t, r)

	var stderr bytes.Buffer
	code := execute([]string{"run", "--input", inputFile(t)}, &stderr)
	assert.Equal(t, ExitInterrupted, code)
	assert.Empty(t, stderr.String())
	assert.True(t, r.closed)
}

func TestRunSignalAfterCompletionExitsZero(t *testing.T) {
	r := &fakeRunner{
		summary: dispatcher.Summary{Total: 3, Completed: 3},
		during: func(ctx context.Context) {
			require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
				t.Error("signal never reached the run context")
			}
		},
	}
	withFakeApp(t, r)

	var stderr bytes.Buffer
	code := execute([]string{"run", "--input", inputFile(t)}, &stderr)
	assert.Equal(t, ExitOK, code, stderr.String())
	assert.True(t, r.closed)
}

func TestRunFatalErrorExitsOne(t *testing.T) {
	r := &fakeRunner{err: errors.New("input unreadable")}
	withFakeApp(t, r)

	var stderr bytes.Buffer
	code := execute([]string{"run", "--input", inputFile(t)}, &stderr)
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, stderr.String(), "input unreadable")
}

func TestRunInvalidConfigExitsOne(t *testing.T) {
	withFakeApp(t, &fakeRunner{})

	var stderr bytes.Buffer
	code := execute([]string{"run"}, &stderr)
	assert.Equal(t, ExitFatal, code)
	assert.Contains(t, stderr.String(), "input.path")
}

func TestUnknownCommandExitsOne(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, ExitFatal, execute([]string{"crawl"}, &stderr))
}

func TestRunEngineFlagAcceptsAuto(t *testing.T) {
	cmd := newRunCmd(viper.New())
	assert.Contains(t, cmd.Flags().Lookup("engine").Usage, "auto")

	got := withFakeApp(t, &fakeRunner{summary: dispatcher.Summary{Total: 1, Completed: 1}})
	var stderr bytes.Buffer
	code := execute([]string{"run", "--input", inputFile(t), "--engine", "auto"}, &stderr)
	require.Equal(t, ExitOK, code, stderr.String())
	assert.Equal(t, config.EngineAuto, got.Renderer.Engine)
}
