// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package kms

import "time"

// expiryWarningWindow is how far ahead Status looks for keys about to
// expire.
const expiryWarningWindow = 7 * 24 * time.Hour

// Status summarizes the keystore for operators.
type Status struct {
	Initialized  bool            `json:"initialized"`
	TotalKeys    int             `json:"total_keys"`
	Active       int             `json:"active"`
	Rotated      int             `json:"rotated"`
	Revoked      int             `json:"revoked"`
	Expired      int             `json:"expired"`
	ByType       map[KeyType]int `json:"by_type"`
	ExpiringSoon []string        `json:"expiring_soon,omitempty"`
	Dir          string          `json:"kms_dir"`
}

// Status reports record counts by status and type, and the labels of
// active keys expiring within the warning window. ByType counts active
// keys only.
func (ks *KeyStore) Status() (*Status, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	records, err := ks.loadRecords()
	if err != nil {
		return nil, err
	}

	st := &Status{
		TotalKeys: len(records),
		ByType:    map[KeyType]int{},
		Dir:       ks.dir,
	}
	horizon := ks.now().Add(expiryWarningWindow)

	for _, r := range records {
		switch r.Status {
		case KeyStatusActive:
			st.Active++
			st.ByType[r.KeyType]++
			if r.KeyType == KeyTypeMaster {
				st.Initialized = true
			}
			if r.ExpiresAt != nil && r.ExpiresAt.Before(horizon) {
				st.ExpiringSoon = append(st.ExpiringSoon, r.Label)
			}
		case KeyStatusRotated:
			st.Rotated++
		case KeyStatusRevoked:
			st.Revoked++
		case KeyStatusExpired:
			st.Expired++
		}
	}
	return st, nil
}
