// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the tunables the dispatch core needs at runtime.
// Loading a config file is treated as an external concern here (the core
// only consumes the decoded struct), so this package is intentionally
// thin compared to a full reload/validation subsystem.
package config

import (
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config holds every tunable named by the dispatch core's resource bounds.
type Config struct {
	// MaxCandidateServices bounds the per-flow parallel candidate pool.
	MaxCandidateServices int `hcl:"max_candidate_services,optional"`
	// MaxValid caps the host-tracker valid_count.
	MaxValid int `hcl:"max_valid,optional"`
	// InvalidClientThreshold is the invalid_client_count that forces a
	// hysteresis reset while a host entry is VALID.
	InvalidClientThreshold int `hcl:"invalid_client_threshold,optional"`
	// NeededDupeDetractCount is the detract_count that forces the same
	// hysteresis reset when invalid_client_count is still zero.
	NeededDupeDetractCount int `hcl:"needed_dupe_detract_count,optional"`
	// InconclusiveServiceWeight is added to invalid_client_count when a
	// flow terminates while a detector is still in-process.
	InconclusiveServiceWeight int `hcl:"inconclusive_service_weight,optional"`
	// MaxRegisteredModules bounds the detector registry.
	MaxRegisteredModules int `hcl:"max_registered_modules,optional"`
	// DetectionLevel toggles alternate lookup paths (currently: SSL port
	// remapping at level 1).
	DetectionLevel int `hcl:"detection_level,optional"`
	// HostTrackerSweepIntervalSeconds is the period, in seconds, of the
	// host-tracker sweeper that appid.Bootstrap starts.
	HostTrackerSweepIntervalSeconds int `hcl:"host_tracker_sweep_interval_seconds,optional"`

	// LogJSON selects JSON-formatted logging output.
	LogJSON bool `hcl:"log_json,optional"`
	// MetricsListenAddr is the diagnostics HTTP server's bind address.
	MetricsListenAddr string `hcl:"metrics_listen_addr,optional"`
}

// Default resource bounds, per spec §5.
const (
	DefaultMaxCandidateServices           = 10
	DefaultMaxValid                       = 5
	DefaultInvalidClientThreshold         = 9
	DefaultNeededDupeDetractCount         = 3
	DefaultInconclusiveServiceWeight      = 3
	DefaultMaxRegisteredModules           = 65536
	DefaultHostTrackerSweepIntervalSecs   = 60
	DefaultMetricsListenAddr              = ":9110"
)

// DefaultConfig returns a Config populated with the bounds named in spec §5.
func DefaultConfig() *Config {
	return &Config{
		MaxCandidateServices:             DefaultMaxCandidateServices,
		MaxValid:                         DefaultMaxValid,
		InvalidClientThreshold:           DefaultInvalidClientThreshold,
		NeededDupeDetractCount:           DefaultNeededDupeDetractCount,
		InconclusiveServiceWeight:        DefaultInconclusiveServiceWeight,
		MaxRegisteredModules:             DefaultMaxRegisteredModules,
		DetectionLevel:                   0,
		HostTrackerSweepIntervalSeconds:  DefaultHostTrackerSweepIntervalSecs,
		MetricsListenAddr:                DefaultMetricsListenAddr,
	}
}

// Load reads an HCL file and overlays it onto DefaultConfig. A missing file
// is not an error: operators may run entirely off defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := hclsimple.Decode(path, data, nil, cfg); err != nil {
		return nil, err
	}
	cfg.applyZeroDefaults()
	return cfg, nil
}

// applyZeroDefaults restores defaults for fields an HCL file left at zero,
// so a config file that only overrides one tunable doesn't zero the rest.
func (c *Config) applyZeroDefaults() {
	d := DefaultConfig()
	if c.MaxCandidateServices == 0 {
		c.MaxCandidateServices = d.MaxCandidateServices
	}
	if c.MaxValid == 0 {
		c.MaxValid = d.MaxValid
	}
	if c.InvalidClientThreshold == 0 {
		c.InvalidClientThreshold = d.InvalidClientThreshold
	}
	if c.NeededDupeDetractCount == 0 {
		c.NeededDupeDetractCount = d.NeededDupeDetractCount
	}
	if c.InconclusiveServiceWeight == 0 {
		c.InconclusiveServiceWeight = d.InconclusiveServiceWeight
	}
	if c.MaxRegisteredModules == 0 {
		c.MaxRegisteredModules = d.MaxRegisteredModules
	}
	if c.HostTrackerSweepIntervalSeconds == 0 {
		c.HostTrackerSweepIntervalSeconds = d.HostTrackerSweepIntervalSeconds
	}
	if c.MetricsListenAddr == "" {
		c.MetricsListenAddr = d.MetricsListenAddr
	}
}
