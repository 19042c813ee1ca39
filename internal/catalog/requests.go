package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RoseOO/nearline/internal/models"
)

const requestColumns = `r.id, r.quota_id, q.user, r.label, r.request_patterns,
	r.request_date, r.retention, r.storage_location, r.active,
	r.notify_on_first, r.notify_on_last, r.storaged_start, r.storaged_end,
	r.first_file_on_disk, r.last_file_on_disk`

const requestFrom = " FROM tape_requests r JOIN quotas q ON q.id = r.quota_id "

func scanRequest(row interface {
	Scan(dest ...interface{}) error
}) (*models.TapeRequest, error) {
	var r models.TapeRequest
	err := row.Scan(&r.ID, &r.QuotaID, &r.User, &r.Label, &r.RequestPatterns,
		&r.RequestDate, &r.Retention, &r.StorageLocation, &r.Active,
		&r.NotifyOnFirst, &r.NotifyOnLast, &r.StoragedStart, &r.StoragedEnd,
		&r.FirstFileOnDisk, &r.LastFileOnDisk)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) queryRequests(query string, args ...interface{}) ([]models.TapeRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []models.TapeRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *r)
	}
	return reqs, rows.Err()
}

// CreateRequest inserts a request and its requested paths in one
// transaction. The paths are the parsed form of the request; the raw
// pattern text is kept only for display.
func (s *Store) CreateRequest(req *models.TapeRequest, paths []string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO tape_requests (quota_id, label, request_patterns, request_date,
			retention, storage_location, active, notify_on_first, notify_on_last)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, req.QuotaID, req.Label, req.RequestPatterns, req.RequestDate.UTC(),
		req.Retention.UTC(), req.StorageLocation, req.Active,
		req.NotifyOnFirst, req.NotifyOnLast)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, p := range paths {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO tape_request_paths (request_id, logical_path) VALUES (?, ?)",
			id, p); err != nil {
			return 0, fmt.Errorf("failed to record request path: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	req.ID = id
	return id, nil
}

// RequestByID returns one request.
func (s *Store) RequestByID(id int64) (*models.TapeRequest, error) {
	r, err := scanRequest(s.db.QueryRow("SELECT "+requestColumns+requestFrom+"WHERE r.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRequests lists requests, newest first, optionally for one user.
func (s *Store) ListRequests(user string) ([]models.TapeRequest, error) {
	if user != "" {
		return s.queryRequests(
			"SELECT "+requestColumns+requestFrom+"WHERE q.user = ? ORDER BY r.request_date DESC", user)
	}
	return s.queryRequests("SELECT " + requestColumns + requestFrom + "ORDER BY r.request_date DESC")
}

// ActiveRequests lists active requests, oldest first so early requesters
// get slots first.
func (s *Store) ActiveRequests() ([]models.TapeRequest, error) {
	return s.queryRequests(
		"SELECT " + requestColumns + requestFrom + "WHERE r.active = 1 ORDER BY r.request_date")
}

// AllRequests lists every request, oldest first. The request manager
// walks this so forward-looking inactive requests can reactivate when
// their files appear.
func (s *Store) AllRequests() ([]models.TapeRequest, error) {
	return s.queryRequests(
		"SELECT " + requestColumns + requestFrom + "ORDER BY r.request_date")
}

// ExpiredRequests lists requests whose retention passed before now.
func (s *Store) ExpiredRequests(now time.Time) ([]models.TapeRequest, error) {
	return s.queryRequests(
		"SELECT "+requestColumns+requestFrom+"WHERE r.retention < ? ORDER BY r.id", now.UTC())
}

// UpdateRequest rewrites the user-editable fields of a request.
func (s *Store) UpdateRequest(id int64, retention time.Time, label, notifyFirst, notifyLast string) error {
	res, err := s.db.Exec(`
		UPDATE tape_requests SET retention = ?, label = ?, notify_on_first = ?, notify_on_last = ?
		WHERE id = ?
	`, retention.UTC(), label, notifyFirst, notifyLast, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRequest removes a request; paths and memberships cascade.
func (s *Store) DeleteRequest(id int64) error {
	_, err := s.db.Exec("DELETE FROM tape_requests WHERE id = ?", id)
	return err
}

// SetRequestActive flips the scheduling flag.
func (s *Store) SetRequestActive(id int64, active bool) error {
	_, err := s.db.Exec("UPDATE tape_requests SET active = ? WHERE id = ?", active, id)
	return err
}

// SetStorageLocation records the spot a request's files live in.
func (s *Store) SetStorageLocation(id int64, location string) error {
	_, err := s.db.Exec("UPDATE tape_requests SET storage_location = ? WHERE id = ?", location, id)
	return err
}

// MarkRetrievalStarted stamps the time the storage daemon retrieval was
// spawned for a request.
func (s *Store) MarkRetrievalStarted(id int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE tape_requests SET storaged_start = ? WHERE id = ?", at.UTC(), id)
	return err
}

// MarkRetrievalFinished stamps the time the retrieval completed.
func (s *Store) MarkRetrievalFinished(id int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE tape_requests SET storaged_end = ? WHERE id = ?", at.UTC(), id)
	return err
}

// ClearRetrievalTimes wipes both retrieval timing stamps so the request
// reads as not started when it is rescheduled.
func (s *Store) ClearRetrievalTimes(id int64) error {
	_, err := s.db.Exec(
		"UPDATE tape_requests SET storaged_start = NULL, storaged_end = NULL WHERE id = ?", id)
	return err
}

// MarkFirstFileOnDisk stamps the first-arrival time once.
func (s *Store) MarkFirstFileOnDisk(id int64, at time.Time) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE tape_requests SET first_file_on_disk = ? WHERE id = ? AND first_file_on_disk IS NULL",
		at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkLastFileOnDisk stamps (or re-stamps) the last-arrival time.
func (s *Store) MarkLastFileOnDisk(id int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE tape_requests SET last_file_on_disk = ? WHERE id = ?", at.UTC(), id)
	return err
}

// RequestPaths returns the parsed requested paths for a request.
func (s *Store) RequestPaths(id int64) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT logical_path FROM tape_request_paths WHERE request_id = ? ORDER BY logical_path", id)
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

// AttachMembers links resolved files to a request.
func (s *Store) AttachMembers(requestID int64, fileIDs []int64) error {
	for _, chunk := range chunkInt64(fileIDs) {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, fid := range chunk {
			if _, err := tx.Exec(
				"INSERT OR IGNORE INTO tape_request_members (request_id, file_id) VALUES (?, ?)",
				requestID, fid); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// DetachMember unlinks one file from a request.
func (s *Store) DetachMember(requestID, fileID int64) error {
	_, err := s.db.Exec(
		"DELETE FROM tape_request_members WHERE request_id = ? AND file_id = ?", requestID, fileID)
	return err
}

// MemberFiles lists a request's member files, optionally restricted to
// stages.
func (s *Store) MemberFiles(requestID int64, stages ...models.Stage) ([]models.TapeFile, error) {
	query := `
		SELECT f.id, f.logical_path, f.size, f.stage, f.verified_at, f.restore_disk_id
		FROM tape_files f
		JOIN tape_request_members m ON m.file_id = f.id
		WHERE m.request_id = ?`
	args := []interface{}{requestID}
	if len(stages) > 0 {
		query += " AND f.stage IN (" + placeholders(len(stages)) + ")"
		for _, st := range stages {
			args = append(args, st)
		}
	}
	return s.queryFiles(query+" ORDER BY f.logical_path", args...)
}

// MemberCounts returns total member count and the count already staged
// (ONDISK or RESTORED).
func (s *Store) MemberCounts(requestID int64) (total, staged int64, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN f.stage IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM tape_files f
		JOIN tape_request_members m ON m.file_id = f.id
		WHERE m.request_id = ?
	`, models.StageOnDisk, models.StageRestored, requestID).Scan(&total, &staged)
	return total, staged, err
}

// RequestsWantingFile lists requests holding the file as a member whose
// retention has not passed.
func (s *Store) RequestsWantingFile(fileID int64, now time.Time) ([]models.TapeRequest, error) {
	return s.queryRequests(`
		SELECT `+requestColumns+`
		FROM tape_requests r
		JOIN quotas q ON q.id = r.quota_id
		JOIN tape_request_members m ON m.request_id = r.id
		WHERE m.file_id = ? AND r.retention >= ?
		ORDER BY r.id
	`, fileID, now.UTC())
}

// RequestsWantingPath lists unexpired requests whose parsed path set or
// member set covers the logical path. Used when a freshly staged file
// must be credited to every request waiting on it.
func (s *Store) RequestsWantingPath(logicalPath string, now time.Time) ([]models.TapeRequest, error) {
	return s.queryRequests(`
		SELECT DISTINCT `+requestColumns+`
		FROM tape_requests r
		JOIN quotas q ON q.id = r.quota_id
		LEFT JOIN tape_request_paths p ON p.request_id = r.id
		WHERE r.retention >= ? AND (p.logical_path = ? OR r.request_patterns != '' AND ? LIKE '%' || r.request_patterns || '%')
		ORDER BY r.id
	`, now.UTC(), logicalPath, logicalPath)
}
