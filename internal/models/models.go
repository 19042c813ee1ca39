package models

import (
	"fmt"
	"time"
)

// Stage is the lifecycle position of a file in the archive.
type Stage int

const (
	// StageUnverified - the file is on tape but its checksum has not been
	// compared against the archive manifest yet.
	StageUnverified Stage = 0
	// StageOnTape - the file's only copy is the verified tape copy.
	StageOnTape Stage = 1
	// StageRestoring - a retrieval is copying the file to a restore disk.
	StageRestoring Stage = 2
	// StageOnDisk - the file passed verification and its primary disk copy
	// has not been evicted to tape yet.
	StageOnDisk Stage = 3
	// StageDeleted - the file was removed from the storage daemon.
	StageDeleted Stage = 4
	// StageRestored - a retrieval staged a copy on a restore disk and the
	// archive path links to it.
	StageRestored Stage = 5
)

func (s Stage) String() string {
	switch s {
	case StageUnverified:
		return "UNVERIFIED"
	case StageOnTape:
		return "ONTAPE"
	case StageRestoring:
		return "RESTORING"
	case StageOnDisk:
		return "ONDISK"
	case StageDeleted:
		return "DELETED"
	case StageRestored:
		return "RESTORED"
	default:
		return fmt.Sprintf("STAGE(%d)", int(s))
	}
}

// Code returns the single-letter stage code used by the files API.
func (s Stage) Code() string {
	switch s {
	case StageUnverified:
		return "U"
	case StageOnTape:
		return "T"
	case StageRestoring:
		return "A"
	case StageOnDisk:
		return "D"
	case StageDeleted:
		return "X"
	case StageRestored:
		return "R"
	default:
		return "?"
	}
}

// ParseStageCode maps a single-letter code back to a Stage.
func ParseStageCode(c string) (Stage, error) {
	switch c {
	case "U":
		return StageUnverified, nil
	case "T":
		return StageOnTape, nil
	case "A":
		return StageRestoring, nil
	case "D":
		return StageOnDisk, nil
	case "X":
		return StageDeleted, nil
	case "R":
		return StageRestored, nil
	default:
		return 0, fmt.Errorf("unknown stage code %q", c)
	}
}

// TapeFile is one archived file tracked by the catalog.
type TapeFile struct {
	ID            int64      `json:"id" db:"id"`
	LogicalPath   string     `json:"logical_path" db:"logical_path"`
	Size          int64      `json:"size" db:"size"`
	Stage         Stage      `json:"stage" db:"stage"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty" db:"verified_at"`
	RestoreDiskID *int64     `json:"restore_disk_id,omitempty" db:"restore_disk_id"`
}

// RestoreDisk is a cache disk that staged copies are written to.
type RestoreDisk struct {
	ID         int64  `json:"id" db:"id"`
	Mountpoint string `json:"mountpoint" db:"mountpoint"`
	Capacity   int64  `json:"capacity" db:"capacity"`
	Used       int64  `json:"used" db:"used"`
	Allocated  int64  `json:"allocated" db:"allocated"`
}

// VerifyQuotaUser is the reserved quota that verification requests run
// under. It never belongs to a real user.
const VerifyQuotaUser = "_VERIFY"

// Quota is a per-user budget for staged data.
type Quota struct {
	ID    int64  `json:"id" db:"id"`
	User  string `json:"user" db:"user"`
	Size  int64  `json:"size" db:"size"`
	Email string `json:"email" db:"email"`
	Notes string `json:"notes,omitempty" db:"notes"`
}

// TapeRequest asks for a set of files to be staged to disk and kept there
// until the retention date passes.
type TapeRequest struct {
	ID              int64      `json:"id" db:"id"`
	QuotaID         int64      `json:"quota_id" db:"quota_id"`
	User            string     `json:"user" db:"user"`
	Label           string     `json:"label" db:"label"`
	RequestPatterns string     `json:"request_patterns,omitempty" db:"request_patterns"`
	RequestDate     time.Time  `json:"request_date" db:"request_date"`
	Retention       time.Time  `json:"retention" db:"retention"`
	StorageLocation string     `json:"storage_location,omitempty" db:"storage_location"`
	Active          bool       `json:"active" db:"active"`
	NotifyOnFirst   string     `json:"notify_on_first,omitempty" db:"notify_on_first"`
	NotifyOnLast    string     `json:"notify_on_last,omitempty" db:"notify_on_last"`
	StoragedStart   *time.Time `json:"storaged_start,omitempty" db:"storaged_start"`
	StoragedEnd     *time.Time `json:"storaged_end,omitempty" db:"storaged_end"`
	FirstFileOnDisk *time.Time `json:"first_file_on_disk,omitempty" db:"first_file_on_disk"`
	LastFileOnDisk  *time.Time `json:"last_file_on_disk,omitempty" db:"last_file_on_disk"`
}

// Slot is one unit of retrieval concurrency against the storage daemon.
type Slot struct {
	ID         int64      `json:"id" db:"id"`
	RequestID  *int64     `json:"request_id,omitempty" db:"request_id"`
	PID        *int64     `json:"pid,omitempty" db:"pid"`
	Hostname   *string    `json:"hostname,omitempty" db:"hostname"`
	RequestDir *string    `json:"request_dir,omitempty" db:"request_dir"`
	AssignedAt *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
}

// UserRole represents admin API permission levels
type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleOperator UserRole = "operator"
	RoleReadOnly UserRole = "readonly"
)

// User represents an admin API account
type User struct {
	ID           int64     `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// APIKey is a long-lived credential for automation against the admin API
type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	Role       UserRole   `json:"role" db:"role"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// AuditLog records an admin action against the catalog
type AuditLog struct {
	ID           int64     `json:"id" db:"id"`
	UserID       *int64    `json:"user_id,omitempty" db:"user_id"`
	Action       string    `json:"action" db:"action"`
	ResourceType string    `json:"resource_type" db:"resource_type"`
	ResourceID   *int64    `json:"resource_id,omitempty" db:"resource_id"`
	Details      string    `json:"details,omitempty" db:"details"`
	IPAddress    string    `json:"ip_address,omitempty" db:"ip_address"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}
