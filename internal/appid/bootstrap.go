// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package appid wires the dispatch core's components together into one
// ready-to-run Engine: the registry, host-tracker cache, verdict recorder
// and the representative detector. cmd/appid-replay and cmd/appid-probe
// both start from Bootstrap rather than repeating this wiring.
package appid

import (
	"fmt"
	"time"

	"grimm.is/appidcore/internal/appid/detectors/rtp"
	"grimm.is/appidcore/internal/appid/dispatch"
	"grimm.is/appidcore/internal/appid/hosttracker"
	"grimm.is/appidcore/internal/appid/registry"
	"grimm.is/appidcore/internal/appid/verdict"
	"grimm.is/appidcore/internal/config"
	"grimm.is/appidcore/internal/logging"
)

// Core bundles the wired components a packet-source loop or diagnostics
// server needs a handle on.
type Core struct {
	Registry *registry.Registry
	Cache    *hosttracker.Cache
	Recorder *verdict.Recorder
	Engine   *dispatch.Engine
}

// Bootstrap builds a Core: registers every known detector (currently just
// the representative RTP detector, spec §4.6), finalizes the registry,
// and starts the host-tracker sweeper.
func Bootstrap(cfg *config.Config, logger *logging.Logger) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	reg := registry.New(logger)

	rtpDetector := rtp.New()
	if err := reg.RegisterDetector(rtpDetector); err != nil {
		return nil, fmt.Errorf("appid: register rtp detector: %w", err)
	}
	if err := rtpDetector.Init(reg); err != nil {
		return nil, fmt.Errorf("appid: init rtp detector: %w", err)
	}

	reg.Finalize()

	cache := hosttracker.New(logger, cfg)
	sweepInterval := time.Duration(cfg.HostTrackerSweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = time.Duration(config.DefaultHostTrackerSweepIntervalSecs) * time.Second
	}
	cache.StartSweeper(sweepInterval, 10*sweepInterval)

	recorder := verdict.New(cache, reg, cfg, logger)
	engine := dispatch.New(reg, cache, recorder, cfg, logger)

	return &Core{Registry: reg, Cache: cache, Recorder: recorder, Engine: engine}, nil
}

// Close stops the host-tracker sweeper.
func (c *Core) Close() {
	c.Cache.StopSweeper()
}
