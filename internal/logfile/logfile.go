// Package logfile manages per-task log files. Each task gets one append-only
// file holding framed entries written by the control plane interleaved with
// raw subprocess output. Framed lines look like:
//
//	[1714070000123] [INFO] submitting pipeline
//
// The frame survives round-trips: raw engine output lacks the frame and is
// skipped when entries are read back, but stays in the file for debugging.
package logfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/taskplane/taskplane/internal/domain"
)

// ringSize is how many parsed entries are kept in memory per manager.
const ringSize = 1000

// bytesPerLine is the tail-read heuristic: how many bytes to read from EOF
// per wanted entry.
const bytesPerLine = 150

// entryPattern parses a framed log line.
var entryPattern = regexp.MustCompile(`\[(\d+)\] \[(INFO|WARNING|ERROR|CRITICAL)\] (.*)`)

// Manager owns one task's log file.
type Manager struct {
	path string

	mu   sync.Mutex
	file *os.File
	ring []domain.LogEntry
}

// Open creates or appends to the log file at path.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &Manager{path: path, file: f}, nil
}

// Path returns the log file path.
func (m *Manager) Path() string { return m.path }

// File returns the underlying file for subprocess stdout/stderr redirection.
// Raw subprocess writes bypass the frame and the ring.
func (m *Manager) File() *os.File {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file
}

// Info writes an INFO entry.
func (m *Manager) Info(format string, args ...any) {
	m.write(domain.LogLevelInfo, format, args...)
}

// Warning writes a WARNING entry.
func (m *Manager) Warning(format string, args ...any) {
	m.write(domain.LogLevelWarning, format, args...)
}

// Error writes an ERROR entry.
func (m *Manager) Error(format string, args ...any) {
	m.write(domain.LogLevelError, format, args...)
}

// Critical writes a CRITICAL entry.
func (m *Manager) Critical(format string, args ...any) {
	m.write(domain.LogLevelCritical, format, args...)
}

func (m *Manager) write(level, format string, args ...any) {
	entry := domain.LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		fmt.Fprintf(m.file, "[%d] [%s] %s\n", entry.Timestamp, entry.Level, entry.Message)
	}

	m.ring = append(m.ring, entry)
	if len(m.ring) > ringSize {
		m.ring = m.ring[len(m.ring)-ringSize:]
	}
}

// Recent returns the in-memory ring, filtered by level ("" for all).
func (m *Manager) Recent(level string) []domain.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterEntries(m.ring, level)
}

// Entries tail-reads the file and returns up to ringSize parsed entries,
// filtered by level ("" for all). It reads from the file on disk, so entries
// written by a previous process incarnation are visible too.
func (m *Manager) Entries(level string) ([]domain.LogEntry, error) {
	entries, err := Tail(m.path, ringSize)
	if err != nil {
		return nil, err
	}
	return filterEntries(entries, level), nil
}

// Close closes the file. Further writes only feed the ring.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Tail reads up to n framed entries from the end of the file at path.
// Unframed lines (raw subprocess output) are skipped.
func Tail(path string, n int) ([]domain.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}

	// Read a window from EOF sized by the per-line heuristic. When the
	// window does not start at offset 0 the first line is likely partial
	// and is dropped.
	window := int64(n) * bytesPerLine
	offset := info.Size() - window
	partial := offset > 0
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek log file %s: %w", path, err)
	}

	var entries []domain.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if partial {
				continue
			}
		}
		if e, ok := ParseLine(line); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log file %s: %w", path, err)
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// ParseLine parses one framed log line. ok is false for raw output.
func ParseLine(line string) (domain.LogEntry, bool) {
	m := entryPattern.FindStringSubmatch(line)
	if m == nil {
		return domain.LogEntry{}, false
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return domain.LogEntry{}, false
	}
	return domain.LogEntry{Timestamp: ts, Level: m[2], Message: m[3]}, true
}

func filterEntries(entries []domain.LogEntry, level string) []domain.LogEntry {
	if level == "" {
		out := make([]domain.LogEntry, len(entries))
		copy(out, entries)
		return out
	}
	var out []domain.LogEntry
	for _, e := range entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
