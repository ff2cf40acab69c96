package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const maxLineBytes = 1 << 20

// JSONLSource replays newline-delimited JSON events from a reader in fixed-size batches.
type JSONLSource struct {
	scanner   *bufio.Scanner
	closer    io.Closer
	batchSize int
	line      int
	logger    *slog.Logger
}

// NewJSONLSource wraps r. batchSize <= 0 falls back to 100 events per batch.
func NewJSONLSource(r io.Reader, batchSize int, logger *slog.Logger) *JSONLSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	src := &JSONLSource{
		scanner:   scanner,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "jsonl_source")),
	}
	if c, ok := r.(io.Closer); ok {
		src.closer = c
	}
	return src
}

// OpenJSONL opens a replay file.
func OpenJSONL(path string, batchSize int, logger *slog.Logger) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	return NewJSONLSource(f, batchSize, logger), nil
}

// Next reads up to batchSize lines. Blank lines are skipped and undecodable lines counted.
func (s *JSONLSource) Next(ctx context.Context) (Batch, error) {
	var batch Batch
	for len(batch.Events)+batch.Undecodable < s.batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return batch, fmt.Errorf("read replay line %d: %w", s.line+1, err)
			}
			if len(batch.Events) == 0 && batch.Undecodable == 0 {
				return batch, io.EOF
			}
			return batch, nil
		}
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		event, err := DecodeEvent(line)
		if err != nil {
			batch.Undecodable++
			s.logger.Warn("skipping undecodable line", slog.Int("line", s.line), slog.Any("error", err))
			continue
		}
		batch.Events = append(batch.Events, event)
	}
	return batch, nil
}

// Commit is a no-op; replay files carry no offsets.
func (s *JSONLSource) Commit(context.Context, Batch) error { return nil }

func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
