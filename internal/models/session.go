package models

import "time"

// Stage is the position of a session in its conversation flow.
type Stage string

const (
	StageIdle               Stage = "idle"
	StageAwaitingFiles      Stage = "awaiting_files"
	StageAwaitingParameters Stage = "awaiting_parameters"
	StageProcessing         Stage = "processing"
)

// Session holds the in-progress operation of a single user.
type Session struct {
	UserID       int64         `json:"user_id"`
	Stage        Stage         `json:"stage"`
	Operation    OperationKind `json:"operation,omitempty"`
	Files        []*StagedFile `json:"files,omitempty"`
	Params       Params        `json:"params,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// NewSession returns an idle session for the user.
func NewSession(userID int64, now time.Time) *Session {
	return &Session{
		UserID:       userID,
		Stage:        StageIdle,
		Params:       Params{},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Reset drops the pending operation. Staged files must be released by the caller first.
func (s *Session) Reset() {
	s.Stage = StageIdle
	s.Operation = ""
	s.Files = nil
	s.Params = Params{}
}

// TotalPages sums the page counts of the staged files.
func (s *Session) TotalPages() int {
	total := 0
	for _, f := range s.Files {
		total += f.Pages
	}
	return total
}

// SessionSnapshot is the read-only view of a session handed out to callers.
type SessionSnapshot struct {
	UserID       int64         `json:"user_id"`
	Stage        Stage         `json:"stage"`
	Operation    OperationKind `json:"operation,omitempty"`
	FileCount    int           `json:"file_count"`
	FileNames    []string      `json:"file_names,omitempty"`
	Params       Params        `json:"params,omitempty"`
	Dispatching  bool          `json:"dispatching"`
	LastActivity time.Time     `json:"last_activity"`
}

// Snapshot copies the observable parts of the session.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		UserID:       s.UserID,
		Stage:        s.Stage,
		Operation:    s.Operation,
		FileCount:    len(s.Files),
		LastActivity: s.LastActivity,
	}
	for _, f := range s.Files {
		snap.FileNames = append(snap.FileNames, f.Name)
	}
	if len(s.Params) > 0 {
		snap.Params = make(Params, len(s.Params))
		for k, v := range s.Params {
			snap.Params[k] = v
		}
	}
	return snap
}
