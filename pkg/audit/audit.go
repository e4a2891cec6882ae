// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit maintains the append-only security audit trail. The log
// is JSONL (one JSON object per line) so entries stay machine-parseable
// and appends never rewrite history.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const LogName = "audit.log"

// Event types recorded by the KMS.
const (
	EventKMSInit          = "KMS_INIT"
	EventKeyDerive        = "KEY_DERIVE"
	EventTeamKeyCreate    = "TEAM_KEY_CREATE"
	EventTeamMemberAdd    = "TEAM_MEMBER_ADD"
	EventTeamMemberRemove = "TEAM_MEMBER_REMOVE"
	EventKeyRotate        = "KEY_ROTATE"
	EventMasterKeyRotate  = "MASTER_KEY_ROTATE"
	EventKeyRevoke        = "KEY_REVOKE"
	EventKeyAccess        = "KEY_ACCESS"
	EventKeyAccessDenied  = "KEY_ACCESS_DENIED"
)

// Event types recorded by the fortress.
const (
	EventFortressInit      = "FORTRESS_INIT"
	EventMemorySealed      = "MEMORY_SEALED"
	EventMemoryVerified    = "MEMORY_VERIFIED"
	EventMemoryTamperAlert = "MEMORY_TAMPER_ALERT"
	EventFortressScan      = "FORTRESS_SCAN"
	EventFortressMigration = "FORTRESS_MIGRATION"
)

// EventTypeLegacy wraps log lines that predate the JSONL format.
const EventTypeLegacy = "LEGACY"

// Entry is a single structured audit log entry, serialized as one JSON
// line in the append-only log.
type Entry struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Detail    string         `json:"detail"`
	Host      string         `json:"host"`
	Agent     string         `json:"agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Trail appends entries to <home>/security/audit.log. A nil *Trail is a
// valid no-op trail, so callers never need to guard their audit calls.
type Trail struct {
	path string
	host string
	mu   sync.Mutex
}

// NewTrail creates a trail for the given home directory. The log file is
// created on first write.
func NewTrail(home string) *Trail {
	host, _ := os.Hostname()
	return &Trail{
		path: filepath.Join(home, "security", LogName),
		host: host,
	}
}

// Record appends one entry to the trail.
func (t *Trail) Record(eventType, detail, agent string, metadata map[string]any) error {
	if t == nil {
		return nil
	}

	entry := Entry{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Detail:    detail,
		Host:      t.host,
		Agent:     agent,
		Metadata:  metadata,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(t.path), 0700); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Emit is the best-effort form of Record: audit failures must never
// abort the operation being audited, so they are logged and swallowed.
func (t *Trail) Emit(eventType, detail, agent string, metadata map[string]any) {
	if err := t.Record(eventType, detail, agent, metadata); err != nil {
		log.Debug().Err(err).Str("event_type", eventType).Msg("audit event skipped")
	}
}

// Read parses the trail, newest entries last. Lines that predate the
// JSONL format are wrapped as LEGACY entries instead of failing the
// whole read. limit of 0 returns everything; otherwise the newest limit
// entries are returned.
func (t *Trail) Read(limit int) ([]Entry, error) {
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			entries = append(entries, Entry{EventType: EventTypeLegacy, Detail: line})
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Path returns the on-disk location of the audit log.
func (t *Trail) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}
