package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/kandev/agentsupervisor/internal/common/apperr"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// legacySession is the shape of a pre-split sessions/<id>.json file:
// metadata and events combined in one document.
type legacySession struct {
	SessionMeta
	Events []events.AgentEvent `json:"events"`
}

// migrateLegacy runs once at open time. If a legacy sessions/ directory
// exists, every <id>.json inside it is split into a relational row plus
// a JSONL event file, after which the directory is renamed to
// sessions.bak/ so a crash mid-migration is idempotent (a second run
// finds no sessions/ directory and does nothing).
func (s *Store) migrateLegacy(ctx context.Context) error {
	legacyDir := filepath.Join(s.dir, "sessions")
	entries, err := os.ReadDir(legacyDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apperr.DiskError("read legacy sessions directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(legacyDir, entry.Name())
		if err := s.migrateLegacyFile(ctx, path); err != nil {
			s.logger.Error("failed to migrate legacy session file",
				zap.String("path", path), zap.Error(err))
			continue
		}
	}

	backupDir := filepath.Join(s.dir, "sessions.bak")
	if err := os.Rename(legacyDir, backupDir); err != nil {
		return apperr.DiskError("rename legacy sessions directory", err)
	}
	s.logger.Info("migrated legacy session store", zap.String("backup_dir", backupDir))
	return nil
}

func (s *Store) migrateLegacyFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.DiskError("read legacy session file", err)
	}

	var legacy legacySession
	if err := json.Unmarshal(data, &legacy); err != nil {
		return apperr.DiskError("parse legacy session file", err)
	}

	if err := s.meta.saveSession(ctx, legacy.SessionMeta); err != nil {
		return err
	}

	f := s.fileFor(legacy.SessionMeta.ID)
	for _, evt := range legacy.Events {
		if err := f.append(evt); err != nil {
			return err
		}
	}
	return nil
}
