package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biswas2200/mechant-pwr-ai/internal/job"
)

const (
	defaultMaxFileSize = 64 * 1024 * 1024
	currentName        = "journal.log"
)

// Journal is an append-only on-disk log of accepted submissions. A job is
// journaled before it is pushed to the broker, so a crash between the two
// can be repaired by replaying entries whose records are still Pending.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	size        int64
	dir         string
	maxFileSize int64
}

func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, currentName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat journal file: %w", err)
	}
	return &Journal{
		file:        f,
		size:        info.Size(),
		dir:         dir,
		maxFileSize: defaultMaxFileSize,
	}, nil
}

// Append records one accepted job.
func (j *Journal) Append(entry job.Job) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size >= j.maxFileSize {
		if err := j.rotateLocked(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.size += int64(n)
	return nil
}

func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	current := filepath.Join(j.dir, currentName)
	// Nanosecond stamp: rotations can land within the same second and must
	// not overwrite each other.
	rotated := filepath.Join(j.dir, fmt.Sprintf("journal-%d.log", time.Now().UnixNano()))
	if err := os.Rename(current, rotated); err != nil {
		return fmt.Errorf("rename journal file: %w", err)
	}
	f, err := os.OpenFile(current, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new journal file: %w", err)
	}
	j.file = f
	j.size = 0
	return nil
}

// Entries reads every journaled job, oldest rotated file first.
func (j *Journal) Entries() ([]job.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(j.dir, "journal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("list rotated journal files: %w", err)
	}
	files = append(files, filepath.Join(j.dir, currentName))

	var out []job.Job
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read journal file %s: %w", path, err)
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var entry job.Job
			if err := json.Unmarshal(line, &entry); err != nil {
				// Torn tail write after a crash; skip it.
				continue
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// Cleanup removes rotated files older than retention.
func (j *Journal) Cleanup(retention time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(j.dir, "journal-*.log"))
	if err != nil {
		return fmt.Errorf("list rotated journal files: %w", err)
	}
	for _, file := range files {
		name := filepath.Base(file)
		nanos, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "journal-"), ".log"), 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(0, nanos).Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old journal file %s: %w", file, err)
			}
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
