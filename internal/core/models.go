package core

import "time"

// SequenceCounter is a named, persisted monotonic integer source.
type SequenceCounter struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

// ClaimableSlot is a placeholder row awaiting exactly one claimant.
type ClaimableSlot struct {
	ID        int64      `json:"id"`
	GroupKey  string     `json:"group_key"`
	RoleTag   string     `json:"role_tag"`
	OwnerRef  string     `json:"owner_ref,omitempty"`
	Payload   []byte     `json:"payload,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// Claimed reports whether the slot has an owner.
func (s ClaimableSlot) Claimed() bool {
	return s.OwnerRef != ""
}
