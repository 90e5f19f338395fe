package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"NetSecMonitor/internal/model"
)

const maxReplayLine = 1 << 20

// ReplaySource is a Source reading JSON-lines encoded RawObservations.
// Malformed lines surface as *model.DataError and reading continues after them.
type ReplaySource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewReplaySource reads observations from r.
func NewReplaySource(r io.Reader) *ReplaySource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)
	s := &ReplaySource{scanner: scanner}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenReplay opens a JSON-lines file as a Source.
func OpenReplay(path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay file: %w", err)
	}
	return NewReplaySource(f), nil
}

// Next returns the next record, or io.EOF once the input is exhausted.
func (s *ReplaySource) Next(ctx context.Context) (model.TrafficRecord, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.TrafficRecord{}, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return model.TrafficRecord{}, fmt.Errorf("failed to read replay input: %w", err)
			}
			return model.TrafficRecord{}, io.EOF
		}
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var obs model.RawObservation
		if err := json.Unmarshal(line, &obs); err != nil {
			return model.TrafficRecord{}, model.NewDataError("record", "line %d: %v", s.line, err)
		}
		return Normalize(obs)
	}
}

// Close releases the underlying file, if any.
func (s *ReplaySource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
