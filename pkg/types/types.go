package types

import (
	"strings"
	"time"
)

// Source identifies an upstream threat-intelligence feed.
type Source string

const (
	SourceREGTECH  Source = "REGTECH"
	SourceSECUDIUM Source = "SECUDIUM"
	SourceManual   Source = "MANUAL"
)

// Sources lists the collectable upstream feeds (MANUAL is operator-only).
var Sources = []Source{SourceREGTECH, SourceSECUDIUM}

// ParseSource converts a request parameter into a Source.
func ParseSource(s string) (Source, bool) {
	switch Source(strings.ToUpper(s)) {
	case SourceREGTECH:
		return SourceREGTECH, true
	case SourceSECUDIUM:
		return SourceSECUDIUM, true
	case SourceManual:
		return SourceManual, true
	}
	return "", false
}

// ThreatLevel classifies the severity reported by an upstream feed.
type ThreatLevel string

const (
	ThreatUnknown  ThreatLevel = "unknown"
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// threatRank orders levels so the merge policy can keep the stricter one.
var threatRank = map[ThreatLevel]int{
	ThreatUnknown:  0,
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

// Stricter returns the higher of two threat levels.
func Stricter(a, b ThreatLevel) ThreatLevel {
	if threatRank[b] > threatRank[a] {
		return b
	}
	return a
}

// ParseThreatLevel maps free-form upstream severity cells to a ThreatLevel.
func ParseThreatLevel(s string) ThreatLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ThreatLow
	case "medium", "mid", "moderate":
		return ThreatMedium
	case "high":
		return ThreatHigh
	case "critical", "very high":
		return ThreatCritical
	default:
		return ThreatUnknown
	}
}

// IPRecord is the canonical deduplicated blacklist entry.
//
// The record key is the canonical textual IP. A re-detection from any
// source updates LastSeen, extends ExpiresAt and unions Sources, while
// DetectionDate and FirstSeen are never overwritten once set.
type IPRecord struct {
	IP            string      `json:"ip"`
	Sources       []Source    `json:"sources"`
	DetectionDate time.Time   `json:"detection_date"`
	FirstSeen     time.Time   `json:"first_seen"`
	LastSeen      time.Time   `json:"last_seen"`
	ThreatLevel   ThreatLevel `json:"threat_level"`
	Country       string      `json:"country,omitempty"`
	Description   string      `json:"description,omitempty"`
	ExpiresAt     time.Time   `json:"expires_at,omitempty"`
	IsActive      bool        `json:"is_active"`
}

// HasSource reports whether src already contributed to the record.
func (r *IPRecord) HasSource(src Source) bool {
	for _, s := range r.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// AddSource unions src into the attribution set.
func (r *IPRecord) AddSource(src Source) {
	if !r.HasSource(src) {
		r.Sources = append(r.Sources, src)
	}
}

// RunStatus is the lifecycle state of a CollectionRun.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunDisabled  RunStatus = "disabled"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunPartial, RunFailed, RunCancelled, RunDisabled:
		return true
	}
	return false
}

// RunTrigger records what started a collection run.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

// CollectionRun records one execution of one collector.
// A run is immutable once FinishedAt is set.
type CollectionRun struct {
	ID            string     `json:"id"`
	Source        Source     `json:"source"`
	Trigger       RunTrigger `json:"trigger"`
	StartDate     time.Time  `json:"start_date"`
	EndDate       time.Time  `json:"end_date"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at,omitempty"`
	Status        RunStatus  `json:"status"`
	FetchedCount  int        `json:"fetched_count"`
	InsertedCount int        `json:"inserted_count"`
	UpdatedCount  int        `json:"updated_count"`
	ErrorKind     Kind       `json:"error_kind,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
}

// Credential is one upstream account. Secret and Token never appear in
// API responses; at rest they only exist inside the vault ciphertext.
type Credential struct {
	Source    Source    `json:"source"`
	Username  string    `json:"username"`
	Secret    string    `json:"-"`
	Token     string    `json:"-"` // optional long-lived bearer
	RotatedAt time.Time `json:"rotated_at"`
	Valid     bool      `json:"valid"`
}

// AuthAttempt is the audit row behind the credential lockout policy.
type AuthAttempt struct {
	Source        Source    `json:"source"`
	Username      string    `json:"username"`
	When          time.Time `json:"when"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	RemoteIP      string    `json:"remote_ip,omitempty"`
}

// UpsertStats summarizes one ingestion batch.
type UpsertStats struct {
	Inserted       int `json:"inserted"`
	Updated        int `json:"updated"`
	SkippedInvalid int `json:"skipped_invalid"`
	SkippedDup     int `json:"skipped_dup"`
}

// DateRange is the inclusive collection window requested from a source.
type DateRange struct {
	Start time.Time `json:"start_date"`
	End   time.Time `json:"end_date"`
}
