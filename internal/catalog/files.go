package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RoseOO/nearline/internal/models"
)

const fileColumns = "id, logical_path, size, stage, verified_at, restore_disk_id"

func scanFile(row interface {
	Scan(dest ...interface{}) error
}) (*models.TapeFile, error) {
	var f models.TapeFile
	err := row.Scan(&f.ID, &f.LogicalPath, &f.Size, &f.Stage, &f.VerifiedAt, &f.RestoreDiskID)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) queryFiles(query string, args ...interface{}) ([]models.TapeFile, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.TapeFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// FileByID returns a file by catalog id.
func (s *Store) FileByID(id int64) (*models.TapeFile, error) {
	f, err := scanFile(s.db.QueryRow("SELECT "+fileColumns+" FROM tape_files WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// FileByPath returns the file with the given logical path. When duplicate
// rows exist the oldest wins.
func (s *Store) FileByPath(logicalPath string) (*models.TapeFile, error) {
	f, err := scanFile(s.db.QueryRow(
		"SELECT "+fileColumns+" FROM tape_files WHERE logical_path = ? ORDER BY id LIMIT 1", logicalPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// AddFile records a new unverified file. Returns false if the path is
// already catalogued.
func (s *Store) AddFile(logicalPath string, size int64) (bool, error) {
	res, err := s.db.Exec(`
		INSERT INTO tape_files (logical_path, size, stage)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM tape_files WHERE logical_path = ?)
	`, logicalPath, size, models.StageUnverified, logicalPath)
	if err != nil {
		return false, fmt.Errorf("failed to add file: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteFile removes a catalog row.
func (s *Store) DeleteFile(id int64) error {
	_, err := s.db.Exec("DELETE FROM tape_files WHERE id = ?", id)
	return err
}

// SetStage moves one file to a new stage.
func (s *Store) SetStage(id int64, stage models.Stage) error {
	_, err := s.db.Exec("UPDATE tape_files SET stage = ? WHERE id = ?", stage, id)
	return err
}

// SetStageBulk moves a batch of files to a new stage.
func (s *Store) SetStageBulk(ids []int64, stage models.Stage) error {
	for _, chunk := range chunkInt64(ids) {
		args := append([]interface{}{stage}, int64Args(chunk)...)
		_, err := s.db.Exec(
			"UPDATE tape_files SET stage = ? WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetRestoring marks files as being copied to the given restore disk.
func (s *Store) SetRestoring(ids []int64, diskID int64) error {
	for _, chunk := range chunkInt64(ids) {
		args := append([]interface{}{models.StageRestoring, diskID}, int64Args(chunk)...)
		_, err := s.db.Exec(
			"UPDATE tape_files SET stage = ?, restore_disk_id = ? WHERE id IN ("+placeholders(len(chunk))+")",
			args...)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetRestored marks a file staged by a retrieval. The restore disk
// recorded at RESTORING time is kept so usage accounting can find the
// copy.
func (s *Store) SetRestored(id int64) error {
	_, err := s.db.Exec("UPDATE tape_files SET stage = ? WHERE id = ?", models.StageRestored, id)
	return err
}

// SetOnTape demotes files to tape-only and detaches them from their
// restore disk.
func (s *Store) SetOnTape(ids []int64) error {
	for _, chunk := range chunkInt64(ids) {
		args := append([]interface{}{models.StageOnTape}, int64Args(chunk)...)
		_, err := s.db.Exec(
			"UPDATE tape_files SET stage = ?, restore_disk_id = NULL WHERE id IN ("+placeholders(len(chunk))+")",
			args...)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetVerified stamps a file verified and moves it to the given stage.
func (s *Store) SetVerified(id int64, stage models.Stage, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE tape_files SET stage = ?, verified_at = ? WHERE id = ?",
		stage, at.UTC(), id)
	return err
}

// ResetUnverified sends a file back through verification: stage reset,
// verification stamp and restore disk cleared.
func (s *Store) ResetUnverified(id int64) error {
	_, err := s.db.Exec(
		"UPDATE tape_files SET stage = ?, verified_at = NULL, restore_disk_id = NULL WHERE id = ?",
		models.StageUnverified, id)
	return err
}

// SetLogicalPath rewrites a file's logical path.
func (s *Store) SetLogicalPath(id int64, logicalPath string) error {
	_, err := s.db.Exec("UPDATE tape_files SET logical_path = ? WHERE id = ?", logicalPath, id)
	return err
}

// FilesByStage lists files in a stage, oldest first. limit <= 0 means no
// limit.
func (s *Store) FilesByStage(stage models.Stage, limit int) ([]models.TapeFile, error) {
	query := "SELECT " + fileColumns + " FROM tape_files WHERE stage = ? ORDER BY id"
	if limit > 0 {
		return s.queryFiles(query+" LIMIT ?", stage, limit)
	}
	return s.queryFiles(query, stage)
}

// FilesWithPrefix lists files under a logical path prefix, optionally
// restricted to the given stages.
func (s *Store) FilesWithPrefix(prefix string, stages ...models.Stage) ([]models.TapeFile, error) {
	query := "SELECT " + fileColumns + " FROM tape_files WHERE logical_path LIKE ? ESCAPE '\\'"
	args := []interface{}{likePrefix(prefix)}
	if len(stages) > 0 {
		query += " AND stage IN (" + placeholders(len(stages)) + ")"
		for _, st := range stages {
			args = append(args, st)
		}
	}
	return s.queryFiles(query+" ORDER BY logical_path", args...)
}

// CountWithPrefixAndStage counts files under a prefix in a stage.
func (s *Store) CountWithPrefixAndStage(prefix string, stage models.Stage) (int64, error) {
	var n int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM tape_files WHERE logical_path LIKE ? ESCAPE '\\' AND stage = ?",
		likePrefix(prefix), stage).Scan(&n)
	return n, err
}

// FilesMatching lists files whose logical path contains the substring,
// optionally restricted to stages. limit <= 0 means no limit.
func (s *Store) FilesMatching(substr string, stages []models.Stage, limit int) ([]models.TapeFile, error) {
	query := "SELECT " + fileColumns + " FROM tape_files WHERE logical_path LIKE ? ESCAPE '\\'"
	args := []interface{}{"%" + escapeLike(substr) + "%"}
	if len(stages) > 0 {
		query += " AND stage IN (" + placeholders(len(stages)) + ")"
		for _, st := range stages {
			args = append(args, st)
		}
	}
	query += " ORDER BY logical_path"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryFiles(query, args...)
}

// FilesIn resolves a set of logical paths to catalog rows, chunked so
// arbitrarily large requests stay within statement limits.
func (s *Store) FilesIn(paths []string) ([]models.TapeFile, error) {
	var files []models.TapeFile
	for _, chunk := range chunkStrings(paths) {
		part, err := s.queryFiles(
			"SELECT "+fileColumns+" FROM tape_files WHERE logical_path IN ("+placeholders(len(chunk))+")",
			stringArgs(chunk)...)
		if err != nil {
			return nil, err
		}
		files = append(files, part...)
	}
	return files, nil
}

// DuplicatePaths returns logical paths that appear on more than one row.
func (s *Store) DuplicatePaths() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT logical_path FROM tape_files
		GROUP BY logical_path HAVING COUNT(*) > 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// FilesForPath returns every row with the given logical path, oldest
// first. Used by the duplicate repair.
func (s *Store) FilesForPath(logicalPath string) ([]models.TapeFile, error) {
	return s.queryFiles(
		"SELECT "+fileColumns+" FROM tape_files WHERE logical_path = ? ORDER BY id", logicalPath)
}

// UnrequestedFiles returns files in the given stage that are not a member
// of any request still unexpired at now.
func (s *Store) UnrequestedFiles(stage models.Stage, now time.Time) ([]models.TapeFile, error) {
	return s.queryFiles(`
		SELECT `+fileColumns+` FROM tape_files f
		WHERE f.stage = ?
		  AND NOT EXISTS (
			SELECT 1 FROM tape_request_members m
			JOIN tape_requests r ON r.id = m.request_id
			WHERE m.file_id = f.id AND r.retention >= ?
		  )
	`, stage, now.UTC())
}

// MemberlessFiles returns files in the given stage with no request
// membership at all.
func (s *Store) MemberlessFiles(stage models.Stage) ([]models.TapeFile, error) {
	return s.queryFiles(`
		SELECT ` + fileColumns + ` FROM tape_files f
		WHERE f.stage = ?
		  AND NOT EXISTS (SELECT 1 FROM tape_request_members m WHERE m.file_id = f.id)
	`, stage)
}

func escapeLike(s string) string {
	r := ""
	for _, c := range s {
		switch c {
		case '%', '_', '\\':
			r += "\\" + string(c)
		default:
			r += string(c)
		}
	}
	return r
}

func likePrefix(prefix string) string {
	return escapeLike(prefix) + "%"
}
