package store

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// tailChunkSize is the backward read granularity for tailEvents; chosen
// to keep memory bounded regardless of file size while still making few
// syscalls for typical tail sizes.
const tailChunkSize = 64 * 1024

// eventFile is the append-only, newline-delimited JSON log for one
// session. Appends are serialized by appendMu; tailEvents opens its own
// independent file handle so concurrent reads never block the writer.
type eventFile struct {
	path     string
	appendMu sync.Mutex
	logger   *logger.Logger
}

func newEventFile(dir, sessionID string, log *logger.Logger) *eventFile {
	return &eventFile{
		path:   filepath.Join(dir, "events", sessionID+".jsonl"),
		logger: log.WithFields(zap.String("component", "event-file"), zap.String("session_id", sessionID)),
	}
}

// append writes one event as a single JSON line. Appends are O_APPEND,
// making each write() atomic with respect to other writers of the same
// file — the sole writer here is this eventFile's own append path
// together with the coalescer's direct-write fallback, both funneled
// through this method.
func (f *eventFile) append(evt events.AgentEvent) error {
	f.appendMu.Lock()
	defer f.appendMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return apperr.DiskError("create events directory", err)
	}

	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.DiskError("open event file", err)
	}
	defer file.Close()

	data, err := json.Marshal(evt)
	if err != nil {
		return apperr.DiskError("marshal event", err)
	}
	data = append(data, '\n')

	if _, err := file.Write(data); err != nil {
		return apperr.DiskError("append event", err)
	}
	return nil
}

// tail returns the last maxN events in chronological order, reading the
// file backwards in tailChunkSize chunks so a file larger than memory
// never needs to be loaded whole. Corrupt lines are skipped with a
// warning rather than aborting the read.
func (f *eventFile) tail(maxN int) ([]events.AgentEvent, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.DiskError("open event file for tail", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, apperr.DiskError("stat event file", err)
	}

	var (
		lines  [][]byte
		offset = info.Size()
		carry  []byte // bytes from the front of the previously read chunk, not yet newline-terminated
	)

	buf := make([]byte, tailChunkSize)
	for offset > 0 && len(lines) < maxN {
		readSize := int64(tailChunkSize)
		if readSize > offset {
			readSize = offset
		}
		offset -= readSize

		if _, err := file.ReadAt(buf[:readSize], offset); err != nil {
			return nil, apperr.DiskError("read event file chunk", err)
		}

		chunk := make([]byte, readSize)
		copy(chunk, buf[:readSize])
		if len(carry) > 0 {
			chunk = append(chunk, carry...)
		}

		// Split on '\n'; the first element may be a partial line that
		// continues into the next (earlier) chunk, so it becomes the new
		// carry instead of being treated as a complete line.
		parts := bytes.Split(chunk, []byte{'\n'})
		startIdx := 0
		if offset > 0 {
			carry = parts[0]
			startIdx = 1
		} else {
			carry = nil
		}

		for i := len(parts) - 1; i >= startIdx; i-- {
			line := parts[i]
			if len(line) == 0 {
				continue
			}
			lines = append(lines, line)
			if len(lines) >= maxN {
				break
			}
		}
	}
	if offset == 0 && len(carry) > 0 && len(lines) < maxN {
		lines = append(lines, carry)
	}

	// lines is newest-first; reverse into chronological order, parsing
	// and skipping any line that doesn't decode.
	result := make([]events.AgentEvent, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var evt events.AgentEvent
		if err := json.Unmarshal(lines[i], &evt); err != nil {
			f.logger.Warn("skipping corrupt event line", zap.Error(err))
			continue
		}
		result = append(result, evt)
	}
	return result, nil
}

func (f *eventFile) delete() error {
	err := os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return apperr.DiskError("delete event file", err)
	}
	return nil
}
