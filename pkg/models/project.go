package models

import "time"

// Project is a cave survey project backed by one versioned working copy
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	RemoteURL     string    `json:"remote_url,omitempty"`
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	ActiveMutexID string    `json:"active_mutex_id,omitempty"`

	// Anchor places the first surveyed station on the map
	Anchor *Coordinate `json:"anchor,omitempty"`
}

// Coordinate is a WGS84 position in decimal degrees
type Coordinate struct {
	Longitude float64 `json:"longitude" yaml:"longitude" validate:"gte=-180,lte=180"`
	Latitude  float64 `json:"latitude" yaml:"latitude" validate:"gte=-90,lte=90"`
}

// Mutex is the advisory single-writer lock of a project. Closed mutexes are
// kept as audit records and never deleted.
type Mutex struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	Holder         string     `json:"holder"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	HeartbeatAt    time.Time  `json:"heartbeat_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosingUser    string     `json:"closing_user,omitempty"`
	ClosingComment string     `json:"closing_comment,omitempty"`
}

// Closed reports whether the mutex has been released
func (m *Mutex) Closed() bool {
	return m.ClosedAt != nil
}

// AccessLevel is the permission a user holds on a project
type AccessLevel string

const (
	AccessNone  AccessLevel = ""
	AccessRead  AccessLevel = "READ"
	AccessWrite AccessLevel = "WRITE"
	AccessAdmin AccessLevel = "ADMIN"
)

// Rank orders access levels so that a higher level implies the lower ones
func (a AccessLevel) Rank() int {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	default:
		return 0
	}
}

// Allows reports whether a satisfies the required level
func (a AccessLevel) Allows(required AccessLevel) bool {
	return a.Rank() >= required.Rank()
}

// Valid reports whether a names a grantable level
func (a AccessLevel) Valid() bool {
	return a.Rank() > 0
}
