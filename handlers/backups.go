package handlers

import (
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"stockroom/backup"
	"stockroom/models"
)

type backupResult struct {
	File  string `json:"file"`
	S3Key string `json:"s3_key,omitempty"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var input struct {
		Offsite bool `json:"offsite"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}
	if input.Offsite && s.offsite == nil {
		sendErrorKey(w, r, http.StatusBadRequest, "BackupNotConfigured")
		return
	}

	written, err := s.users.Backup(filepath.Join(s.cfg.Backup.Dir, backup.SnapshotName(s.now())))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	res := backupResult{File: filepath.Base(written)}

	if input.Offsite {
		key, err := s.offsite.Upload(r.Context(), written)
		if err != nil {
			s.sendError(w, r, err)
			return
		}
		res.S3Key = key
	}
	s.log.Info(r.Context(), "backup created", "file", res.File, "s3_key", res.S3Key, "by", acct.Username)
	sendSuccess(w, r, http.StatusCreated, "BackupCreated", res)
}

// localBackupPath resolves a client-supplied backup name inside the backup
// directory. Anything with a directory component is refused.
func (s *Server) localBackupPath(name string) (string, bool) {
	if name == "" || name != filepath.Base(name) || strings.ContainsAny(name, `/\`) ||
		name == "." || name == ".." {
		return "", false
	}
	return filepath.Join(s.cfg.Backup.Dir, name), true
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request, acct models.Account) {
	var input struct {
		File  string `json:"file"`
		S3Key string `json:"s3_key"`
	}
	if !decodeJSON(w, r, &input) {
		return
	}

	var src string
	switch {
	case input.S3Key != "":
		if s.offsite == nil {
			sendErrorKey(w, r, http.StatusBadRequest, "BackupNotConfigured")
			return
		}
		dst, ok := s.localBackupPath("restore-" + path.Base(input.S3Key))
		if !ok {
			sendErrorKey(w, r, http.StatusBadRequest, "InvalidBackupPath")
			return
		}
		if err := s.offsite.Download(r.Context(), input.S3Key, dst); err != nil {
			s.sendError(w, r, err)
			return
		}
		src = dst
	default:
		p, ok := s.localBackupPath(input.File)
		if !ok {
			sendErrorKey(w, r, http.StatusBadRequest, "InvalidBackupPath")
			return
		}
		src = p
	}

	if err := s.users.Restore(src); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.log.Info(r.Context(), "backup restored", "source", filepath.Base(src), "s3_key", input.S3Key, "by", acct.Username)
	sendSuccess(w, r, http.StatusOK, "BackupRestored", nil)
}
