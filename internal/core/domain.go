package core

import (
	"encoding/json"
	"time"
)

// ValidationStatus is the local lifecycle state of an external validation record.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "pending"
	ValidationSent     ValidationStatus = "sent"
	ValidationReceived ValidationStatus = "received"
)

// ValidationRecord tracks one request submitted to the external validation
// system and the response it produced. Records are never regressed: a
// conflicting later response produces a new record and the old one is kept.
type ValidationRecord struct {
	ID               int64            `json:"id"`
	SubjectID        string           `json:"subject_id"`
	Status           ValidationStatus `json:"status"`
	SentAt           *time.Time       `json:"sent_at,omitempty"`
	ReceivedAt       *time.Time       `json:"received_at,omitempty"`
	RequestSnapshot  json.RawMessage  `json:"request_snapshot,omitempty"`
	ResponseSnapshot json.RawMessage  `json:"response_snapshot,omitempty"`
	ResponseStatus   string           `json:"response_status,omitempty"`
	SupersededBy     *int64           `json:"superseded_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Response is a decoded entry from an external response file.
type Response struct {
	ReferenceID   int64             `json:"reference_id"`
	Status        string            `json:"status"`
	EffectiveDate time.Time         `json:"effective_date"`
	MatchFlags    map[string]string `json:"match_flags,omitempty"`
}

// Validate checks the mandatory fields.
func (r Response) Validate() error {
	switch {
	case r.ReferenceID <= 0:
		return MalformedResponse("reference id required")
	case r.Status == "":
		return MalformedResponse("status required")
	case r.EffectiveDate.IsZero():
		return MalformedResponse("effective date required")
	}
	return nil
}

// ReconcileAction is the outcome of applying a response to a record.
type ReconcileAction string

const (
	ActionUpdated ReconcileAction = "updated"
	ActionCloned  ReconcileAction = "cloned"
	ActionSkipped ReconcileAction = "skipped"
)

// ReconcileResult carries the action taken and the record that is current
// for that action: the updated record, the new clone, or the untouched
// original when skipped.
type ReconcileResult struct {
	Action ReconcileAction  `json:"action"`
	Record ValidationRecord `json:"record"`
}
