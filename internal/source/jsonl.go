package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/user/chordlog/internal/types"
)

// JSONLSource reads one RawEvent per line. Blank lines are skipped.
type JSONLSource struct {
	r       io.Reader
	lenient bool
	logger  *slog.Logger
}

// JSONLOption configures a JSONLSource.
type JSONLOption func(*JSONLSource)

// Lenient makes malformed or invalid lines a logged warning instead of a
// fatal error.
func Lenient() JSONLOption {
	return func(s *JSONLSource) { s.lenient = true }
}

func WithLogger(l *slog.Logger) JSONLOption {
	return func(s *JSONLSource) { s.logger = l }
}

func NewJSONL(r io.Reader, opts ...JSONLOption) *JSONLSource {
	s := &JSONLSource{r: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenFile opens path as a JSONL source. The caller closes the returned file.
func OpenFile(path string, opts ...JSONLOption) (*JSONLSource, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open event file: %w", err)
	}
	return NewJSONL(f, opts...), f, nil
}

func (s *JSONLSource) Stream(ctx context.Context, emit func(types.RawEvent) error) error {
	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		data := scanner.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		var ev types.RawEvent
		err := json.Unmarshal(data, &ev)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			if s.lenient {
				s.logger.Warn("skipping bad event line", "line", line, "error", err)
				continue
			}
			return fmt.Errorf("line %d: %w", line, err)
		}

		if err := emit(ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
