package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/backtesting-org/pikerd/pkg/data"
)

// FileSource replays recorded quote batches in a loop. The file holds one
// JSON encoded batch per line.
type FileSource struct {
	batches []data.Quotes
	limiter *rate.Limiter

	mu   sync.Mutex
	next int
}

// StreamFromFile loads a recorded quote stream and replays it at hz
// batches per second.
func StreamFromFile(path string, hz float64) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readBatches(f, path, hz)
}

func readBatches(r io.Reader, name string, hz float64) (*FileSource, error) {
	if hz <= 0 {
		hz = 1
	}
	var batches []data.Quotes
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var q data.Quotes
		if err := json.Unmarshal(sc.Bytes(), &q); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, line, err)
		}
		batches = append(batches, q)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%s: no quotes recorded", name)
	}
	return &FileSource{
		batches: batches,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		next:    1,
	}, nil
}

// FirstQuotes is the first recorded batch.
func (s *FileSource) FirstQuotes() data.Quotes {
	return s.batches[0]
}

// Receive waits for the replay rate and returns the next batch, wrapping
// around at the end of the recording.
func (s *FileSource) Receive(ctx context.Context) (data.Quotes, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.batches[s.next%len(s.batches)]
	s.next++
	return q, nil
}
