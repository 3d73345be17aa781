package resonancegraphs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

type analyzer interface {
	Analyze(ctx context.Context, capturePath, imagePath string) (string, error)
}

// execAnalyzer runs the shaper calibration script. Whatever the script
// prints, including its own errors, is the result; the exit status is not
// interpreted.
type execAnalyzer struct {
	script string
}

func (a *execAnalyzer) Analyze(ctx context.Context, capturePath, imagePath string) (string, error) {
	cmd := exec.CommandContext(ctx, a.script, capturePath, "-o", imagePath)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", fmt.Errorf("running %s: %w", a.script, err)
	}
	return string(out), nil
}
