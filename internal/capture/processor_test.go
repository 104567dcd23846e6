//go:build !windows

package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skavis/scansync/internal/domain"
)

// writePipelineScript creates an executable shell script standing in for the
// reconstruction binary.
func writePipelineScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func scanErrKind(t *testing.T, err error) domain.ErrorKind {
	t.Helper()
	var scanErr *domain.ScanError
	require.True(t, errors.As(err, &scanErr), "expected *domain.ScanError, got %T", err)
	return scanErr.Kind
}

func TestCommandProcessorProducesModel(t *testing.T) {
	cmd := writePipelineScript(t, `echo "reconstructing $1" && touch "$2/model.glb"`)
	p := NewCommandProcessor(cmd, time.Minute)

	outputDir := t.TempDir()
	modelPath, err := p.Process(context.Background(), t.TempDir(), outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "model.glb"), modelPath)
	assert.FileExists(t, modelPath)
}

func TestCommandProcessorFailureIncludesToolOutput(t *testing.T) {
	cmd := writePipelineScript(t, `echo "feature matching failed: too few keypoints" && exit 3`)
	p := NewCommandProcessor(cmd, time.Minute)

	_, err := p.Process(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, domain.ErrServer, scanErrKind(t, err))
	assert.Contains(t, err.Error(), "too few keypoints")
}

func TestCommandProcessorMissingModelOutput(t *testing.T) {
	cmd := writePipelineScript(t, `exit 0`)
	p := NewCommandProcessor(cmd, time.Minute)

	_, err := p.Process(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, domain.ErrServer, scanErrKind(t, err))
	assert.Contains(t, err.Error(), "model.glb")
}

func TestCommandProcessorTimeout(t *testing.T) {
	cmd := writePipelineScript(t, `sleep 5`)
	p := NewCommandProcessor(cmd, 50*time.Millisecond)

	_, err := p.Process(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, domain.ErrTimeout, scanErrKind(t, err))
}

func TestCommandProcessorCancelled(t *testing.T) {
	cmd := writePipelineScript(t, `sleep 5`)
	p := NewCommandProcessor(cmd, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := p.Process(ctx, t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, domain.ErrCancelled, scanErrKind(t, err))
}

func TestCommandProcessorNoCommandConfigured(t *testing.T) {
	p := &CommandProcessor{Command: "", Timeout: time.Minute}

	_, err := p.Process(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, scanErrKind(t, err))
}

func TestCommandProcessorAvailable(t *testing.T) {
	assert.True(t, NewCommandProcessor("sh", 0).Available())
	assert.False(t, NewCommandProcessor("scansync-no-such-tool", 0).Available())
}
