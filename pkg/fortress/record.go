// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Reserved envelope field names. They are injected next to the record's
// own fields when sealing, so application records must never use them.
const (
	SealField      = "__fortress_seal"
	EncryptedField = "__fortress_encrypted"
	SealedAtField  = "__fortress_sealed_at"
	KeyIDField     = "__fortress_key_id"
)

// Tier determines where a record lives and how long it is retained.
type Tier string

const (
	TierShortTerm Tier = "short-term"
	TierMidTerm   Tier = "mid-term"
	TierLongTerm  Tier = "long-term"
)

// Tiers returns all tiers in scan order.
func Tiers() []Tier {
	return []Tier{TierShortTerm, TierMidTerm, TierLongTerm}
}

func (t Tier) valid() bool {
	switch t {
	case TierShortTerm, TierMidTerm, TierLongTerm:
		return true
	}
	return false
}

// Dir returns the storage directory for this tier under home.
func (t Tier) Dir(home string) string {
	return filepath.Join(home, "memory", string(t))
}

// Record is the unit the fortress seals: one structured memory entry.
type Record struct {
	RecordID    string         `json:"record_id"`
	Content     string         `json:"content"`
	Tags        []string       `json:"tags,omitempty"`
	Source      string         `json:"source,omitempty"`
	Tier        Tier           `json:"tier"`
	CreatedAt   time.Time      `json:"created_at"`
	AccessedAt  *time.Time     `json:"accessed_at,omitempty"`
	AccessCount int            `json:"access_count"`
	Importance  float64        `json:"importance"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewRecord creates a record with a fresh ID in the given tier.
func NewRecord(content string, tier Tier) *Record {
	u := uuid.New()
	return &Record{
		RecordID:   hex.EncodeToString(u[:])[:12],
		Content:    content,
		Source:     "cli",
		Tier:       tier,
		CreatedAt:  time.Now().UTC(),
		Importance: 0.5,
	}
}

// Validate checks the fields required for sealing and storage.
func (r *Record) Validate() error {
	if r.RecordID == "" {
		return fmt.Errorf("record missing record_id")
	}
	if !r.Tier.valid() {
		return fmt.Errorf("record %s: unknown tier %q", r.RecordID, r.Tier)
	}
	return nil
}

// Path returns the record's storage location under home.
func (r *Record) Path(home string) string {
	return filepath.Join(r.Tier.Dir(home), r.RecordID+".json")
}
