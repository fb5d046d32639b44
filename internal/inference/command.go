package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"scribed/pkg/types"
)

const stderrTailBytes = 4096

// Command runs an external engine per request. The engine receives the
// request as flags, writes NDJSON progress lines to stderr and the final
// transcript as one JSON document to stdout.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Logger *zerolog.Logger
}

func (c Command) args(req Request) []string {
	out := append([]string(nil), c.Args...)
	out = append(out, "--input", req.FilePath, "--model", req.Model)
	if req.ModelPath != "" {
		out = append(out, "--model-path", req.ModelPath)
	}
	if req.Language != "" {
		out = append(out, "--language", req.Language)
	}
	if req.Diarization {
		out = append(out, "--diarize")
	}
	if req.OnAccelerator {
		out = append(out, "--device", "cuda")
	} else {
		out = append(out, "--device", "cpu")
	}
	return out
}

func (c Command) Transcribe(ctx context.Context, req Request, progress ProgressFunc) (types.Transcript, error) {
	if strings.TrimSpace(c.Path) == "" {
		return types.Transcript{}, ErrDependencyUnavailable("transcriber command not configured")
	}
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return types.Transcript{}, ErrDependencyUnavailable(fmt.Sprintf("transcriber %q not found: %v", c.Path, err))
	}
	log := zerolog.Nop()
	if c.Logger != nil {
		log = c.Logger.With().Str("component", "transcriber").Logger()
	}

	cmd := exec.CommandContext(ctx, path, c.args(req)...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return types.Transcript{}, err
	}
	if err := cmd.Start(); err != nil {
		return types.Transcript{}, fmt.Errorf("start transcriber: %w", err)
	}

	// stderr must be drained before Wait closes the pipe.
	var tail tailBuffer
	readProgress(stderr, progress, &tail)
	waitErr := cmd.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return types.Transcript{}, ctx.Err()
		}
		msg := strings.TrimSpace(tail.String())
		log.Warn().Err(waitErr).Str("stderr", msg).Msg("transcriber failed")
		if msg != "" {
			return types.Transcript{}, fmt.Errorf("transcriber exited: %w: %s", waitErr, msg)
		}
		return types.Transcript{}, fmt.Errorf("transcriber exited: %w", waitErr)
	}

	var tr types.Transcript
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &tr); err != nil {
		return types.Transcript{}, fmt.Errorf("decode transcript: %w", err)
	}
	return tr, nil
}

// readProgress forwards JSON lines as progress and keeps other lines as
// diagnostic tail.
func readProgress(r io.Reader, progress ProgressFunc, tail *tailBuffer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if line[0] == '{' {
			var p Progress
			if err := json.Unmarshal(line, &p); err == nil {
				if progress != nil {
					progress(p)
				}
				continue
			}
		}
		tail.Write(line)
		tail.Write([]byte{'\n'})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		tail.Write([]byte(err.Error()))
	}
}

// tailBuffer keeps the last stderrTailBytes written.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string { return string(t.buf) }
