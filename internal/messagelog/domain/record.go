package domain

import (
	"fmt"
	"time"

	"github.com/serbia-gov/messagelog/internal/shared/types"
)

// Direction tells whether a logged message was a request or a response
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// ParseDirection validates a direction string
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionRequest, DirectionResponse:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid direction %q", s)
}

// Status is the lifecycle state of a message record
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusTimestamped Status = "TIMESTAMPED"
	StatusArchived    Status = "ARCHIVED"
	StatusFailed      Status = "FAILED"
)

// CanTransition reports whether a record may move from one status to
// another. Records only move forward; FAILED is terminal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusTimestamped || to == StatusFailed
	case StatusTimestamped:
		return to == StatusArchived || to == StatusFailed
	}
	return false
}

// MessageRecord is one logged exchange
type MessageRecord struct {
	ID        int64     `json:"id"`
	QueryID   string    `json:"query_id"`
	ClientID  string    `json:"client_id"`
	ServiceID string    `json:"service_id"`
	Direction Direction `json:"direction"`

	Message           []byte `json:"message"`
	Signature         []byte `json:"signature"`
	SignerCertificate []byte `json:"signer_certificate,omitempty"`
	// Truncated is set when the message body exceeded the loggable size
	// and was cut.
	Truncated bool `json:"truncated,omitempty"`
	// BodyOmitted is set when body logging was off for the producer
	// subsystem; Message is then empty and only the signature is kept.
	BodyOmitted bool `json:"body_omitted,omitempty"`

	// StepHash is H(previous link || H(signature)), set once when the
	// record is timestamped
	StepHash []byte `json:"step_hash,omitempty"`
	// ChainPosition is the record's index inside its timestamp batch
	ChainPosition     int    `json:"chain_position"`
	Status            Status `json:"status"`
	TimestampRecordID int64  `json:"timestamp_record_id,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TimestampRecord is the result of one TSA call covering a batch
type TimestampRecord struct {
	ID            int64     `json:"id"`
	TSAURL        string    `json:"tsa_url"`
	Token         []byte    `json:"token"`
	HashAlgorithm string    `json:"hash_algorithm"`
	PrevHash      []byte    `json:"prev_hash"`
	RootHash      []byte    `json:"root_hash"`
	IssuedAt      time.Time `json:"issued_at"`
	RecordIDs     []int64   `json:"record_ids"`
}

// ArchiveUnit is a sealed container of timestamped records
type ArchiveUnit struct {
	ID            types.ID  `json:"id"`
	GroupName     string    `json:"group_name,omitempty"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	RecordIDs     []int64   `json:"record_ids"`
	DigestOfFirst []byte    `json:"digest_of_first"`
	DigestOfLast  []byte    `json:"digest_of_last"`
	FileName      string    `json:"file_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// QueryFilter selects records for the evidence read path
type QueryFilter struct {
	QueryID   string     `json:"query_id"`
	ClientID  string     `json:"client_id,omitempty"`
	Direction *Direction `json:"direction,omitempty"`
}

// Matches reports whether r satisfies the filter
func (f QueryFilter) Matches(r *MessageRecord) bool {
	if r.QueryID != f.QueryID {
		return false
	}
	if f.ClientID != "" && r.ClientID != f.ClientID {
		return false
	}
	if f.Direction != nil && r.Direction != *f.Direction {
		return false
	}
	return true
}

// StepUpdate assigns a step hash to a record inside a timestamp batch.
// Its index in the batch becomes the record's ChainPosition.
type StepUpdate struct {
	RecordID int64
	StepHash []byte
}
