package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/skavis/scansync/internal/domain"
	"github.com/skavis/scansync/internal/logger"
)

// modelFileName is the output the reconstruction pipeline is expected to
// produce inside the output directory.
const modelFileName = "model.glb"

// CommandProcessor runs an external photogrammetry pipeline binary to turn a
// raw capture folder into a 3D model. The command is invoked as
// "<cmd> <rawFolder> <outputDir>" and must write model.glb into outputDir.
type CommandProcessor struct {
	Command string
	Timeout time.Duration
}

var _ LocalProcessor = (*CommandProcessor)(nil)

// NewCommandProcessor creates a processor for the given pipeline command.
// A zero timeout defaults to 30 minutes.
func NewCommandProcessor(command string, timeout time.Duration) *CommandProcessor {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &CommandProcessor{Command: command, Timeout: timeout}
}

// Available reports whether the pipeline binary can be found on PATH.
func (p *CommandProcessor) Available() bool {
	_, err := exec.LookPath(p.Command)
	return err == nil
}

func (p *CommandProcessor) Process(ctx context.Context, rawFolder, outputDir string) (string, error) {
	if p.Command == "" {
		return "", domain.NewScanError(domain.ErrValidation, "no reconstruction pipeline configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	logger.Infof("Reconstruction: running %s on %s", p.Command, rawFolder)

	// Arguments go straight to exec, never through a shell
	cmd := exec.CommandContext(runCtx, p.Command, rawFolder, outputDir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", domain.NewScanError(domain.ErrTimeout, "reconstruction exceeded %s", p.Timeout)
		}
		if ctx.Err() == context.Canceled {
			return "", domain.NewScanError(domain.ErrCancelled, "reconstruction cancelled")
		}
		tail := lastOutputLine(output)
		return "", domain.NewScanError(domain.ErrServer, "reconstruction failed: %v (%s)", err, tail)
	}

	modelPath := filepath.Join(outputDir, modelFileName)
	if _, err := os.Stat(modelPath); err != nil {
		return "", domain.NewScanError(domain.ErrServer, "pipeline finished but produced no %s", modelFileName)
	}

	logger.Infof("Reconstruction: %s finished in %s", rawFolder, time.Since(start).Round(time.Second))
	return modelPath, nil
}

// lastOutputLine extracts the final non-empty line of tool output for error
// messages, trimmed to a sane length.
func lastOutputLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) == 0 {
		return ""
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	const maxLen = 200
	if len(last) > maxLen {
		last = last[:maxLen]
	}
	if last == "" {
		return "no output"
	}
	return fmt.Sprintf("last output: %s", last)
}
