package trainer

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"
)

// Diagram is one rendered architecture diagram. Err is set when rendering
// that particular source file failed; the remaining diagrams are unaffected.
type Diagram struct {
	// Source is the base name of the diagram file inside the script folder.
	Source string
	// Encoded is the base64-encoded render output, empty when Err is set.
	Encoded string
	Err     error
}

// ExtractDiagrams polls the script folder for diagram files the worker
// script emits asynchronously, then renders each one. The poll budget is
// bounded; finding zero files after the final attempt is a terminal error.
func (c *Controller) ExtractDiagrams(ctx context.Context) ([]Diagram, error) {
	files, err := c.awaitDiagramFiles(ctx)
	if err != nil {
		return nil, err
	}

	diagrams := make([]Diagram, 0, len(files))
	for _, path := range files {
		d := Diagram{Source: filepath.Base(path)}
		out, renderErr := c.render(ctx, path)
		if renderErr != nil {
			d.Err = renderErr
			c.logger.Warn("rendering %s failed: %v", d.Source, renderErr)
			if c.metrics != nil {
				c.metrics.RecordRenderFailure()
			}
		} else {
			d.Encoded = base64.StdEncoding.EncodeToString(out)
		}
		diagrams = append(diagrams, d)
	}
	return diagrams, nil
}

func (c *Controller) awaitDiagramFiles(ctx context.Context) ([]string, error) {
	for attempt := 0; attempt < c.cfg.DiagramAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.DiagramDelay):
			}
		}
		files, err := c.folder.DiagramFiles()
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			c.logger.Debug("found %d diagram files after %d attempts", len(files), attempt+1)
			return files, nil
		}
	}
	return nil, ErrNoDiagrams
}

// render runs the configured render command with the diagram path appended,
// capping captured output at MaxRenderBytes.
func (c *Controller) render(ctx context.Context, path string) ([]byte, error) {
	argv := append(append([]string{}, c.cfg.RenderCommand...), path)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdout boundedBuffer
	stdout.limit = c.cfg.MaxRenderBytes
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", argv[0], err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s: %w", argv[0], err)
	}
	if stdout.truncated {
		return nil, fmt.Errorf("render output for %s exceeds %d bytes", filepath.Base(path), c.cfg.MaxRenderBytes)
	}
	return stdout.buf.Bytes(), nil
}

// boundedBuffer accepts writes up to limit bytes and remembers overflow
// instead of growing without bound on a runaway render.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if b.truncated {
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	if int64(len(p)) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

var _ io.Writer = (*boundedBuffer)(nil)
