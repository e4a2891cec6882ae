// Copyright 2025 Warden Authors
// SPDX-License-Identifier: Apache-2.0

package fortress

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/pkg/utils"
)

const (
	// SealAlgorithm is the only seal algorithm in use. The config field
	// exists so stored envelopes remain interpretable if it ever changes.
	SealAlgorithm = "hmac-sha256"

	defaultServiceLabel = "memory-fortress"
)

// Config is the persisted fortress configuration.
type Config struct {
	Enabled           bool   `json:"enabled"`
	EncryptionEnabled bool   `json:"encryption_enabled"`
	SealAlgorithm     string `json:"seal_algorithm"`
	ServiceLabel      string `json:"kms_service_label"`
	AuditEvents       bool   `json:"audit_events"`
}

// DefaultConfig returns the configuration a fresh home starts with.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		SealAlgorithm: SealAlgorithm,
		ServiceLabel:  defaultServiceLabel,
		AuditEvents:   true,
	}
}

// sealLabel and encLabel are the keystore service labels the fortress
// derives its keys under.
func (c *Config) sealLabel() string { return c.ServiceLabel + "-seal" }

func (c *Config) encLabel() string { return c.ServiceLabel + "-enc" }

func configPath(home string) string {
	return filepath.Join(home, "memory", "fortress.json")
}

// loadConfig reads the config, falling back to defaults when the file
// is absent or unreadable. A damaged config must not lock out access to
// sealed records.
func loadConfig(home string) *Config {
	data, err := os.ReadFile(configPath(home))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("fortress config unreadable, using defaults")
		}
		return DefaultConfig()
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Err(err).Msg("fortress config corrupt, using defaults")
		return DefaultConfig()
	}

	if cfg.SealAlgorithm == "" {
		cfg.SealAlgorithm = SealAlgorithm
	}
	if cfg.ServiceLabel == "" {
		cfg.ServiceLabel = defaultServiceLabel
	}
	return &cfg
}

// saveConfig persists the config, creating the memory directory.
func saveConfig(home string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(configPath(home)), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(configPath(home), data, 0600)
}
