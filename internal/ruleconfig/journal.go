// internal/ruleconfig/journal.go
package ruleconfig

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/solatis/ptufix/internal/types"
)

// maxJournalLine bounds one journal record while scanning.
const maxJournalLine = 1024 * 1024

// journal is the append-only JSON Lines audit trail.
type journal struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

func (j *journal) append(e types.AuditEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("%w: journal dir: %v", types.ErrIO, err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open journal: %v", types.ErrIO, err)
	}
	// A single write keeps each record on its own line under O_APPEND.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: append journal: %v", types.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close journal: %v", types.ErrIO, err)
	}
	return nil
}

// read returns every entry in file order. Undecodable lines are skipped
// with a warning; a missing journal reads as empty.
func (j *journal) read() ([]types.AuditEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []types.AuditEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e types.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			j.logger.Warn("journal line skipped", "path", j.path, "line", lineNo, "error", err)
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return out, nil
}
