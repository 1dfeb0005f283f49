// Package corpus keeps an append-only JSONL log of exchanges the model
// found persistently hard, for offline review.
package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Record is one logged exchange.
type Record struct {
	System  string    `json:"system"`
	Input   string    `json:"input"`
	Output  string    `json:"output"`
	Attempt int       `json:"attempt"`
	Time    time.Time `json:"time"`
}

// Corpus appends records to a file shared by every file in a run and by
// concurrent processes.
type Corpus struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func New(path string) (*Corpus, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create corpus directory: %w", err)
	}
	return &Corpus{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the corpus file location.
func (c *Corpus) Path() string {
	return c.path
}

func (c *Corpus) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("lock corpus: %w", err)
	}
	defer c.lock.Unlock()

	f, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append record: %w", err)
	}
	return f.Close()
}

// Load reads every record in the corpus. A missing file yields no records.
func Load(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", n, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
