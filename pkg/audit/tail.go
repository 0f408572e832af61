package audit

import (
	"bufio"
	"fmt"
	"os"
)

// Tail returns up to limit most recent records, oldest first.
// It reads the whole file; audit files are line-oriented and the admin
// surface caps limit, so this stays cheap at the sizes involved.
func (l *Logger) Tail(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("audit: open for read: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return lines, nil
}
