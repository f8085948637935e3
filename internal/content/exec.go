package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Exec runs the fortune command and pipes its output into cowsay.
type Exec struct {
	Fortune []string
	Cowsay  []string

	// Timeout bounds both commands together; zero means no limit
	// beyond the caller's context.
	Timeout time.Duration
}

// Check verifies both programs can be found in PATH.
func (e *Exec) Check() error {
	for _, argv := range [][]string{e.Fortune, e.Cowsay} {
		if len(argv) == 0 {
			return fmt.Errorf("%w: empty command", ErrPrerequisiteMissing)
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPrerequisiteMissing, argv[0], err)
		}
	}
	return nil
}

func (e *Exec) Generate(ctx context.Context) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	quote, err := run(ctx, StageFortune, e.Fortune, nil)
	if err != nil {
		return "", err
	}
	art, err := run(ctx, StageCowsay, e.Cowsay, bytes.NewReader(quote))
	if err != nil {
		return "", err
	}
	return string(art), nil
}

func run(ctx context.Context, stage Stage, argv []string, stdin io.Reader) ([]byte, error) {
	if len(argv) == 0 {
		return nil, &GenerateError{Stage: stage, Err: errors.New("empty command")}
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &GenerateError{Stage: stage, Err: err}
	}
	return stdout.Bytes(), nil
}
