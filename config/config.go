// Package config holds the read-only configuration snapshot the relay core
// consumes (tor-spec core spec §6). Values are plain fields with literal
// defaults rather than a flags/env parsing library.
package config

import "time"

// Config is the read-only configuration snapshot passed into relaycore.Core.
// It is never mutated after construction; a reload produces a new Config.
type Config struct {
	// ChannelIdleTimeout closes a channel that holds no circuits for this long.
	ChannelIdleTimeout time.Duration

	// CircuitBuildTimeoutInitial seeds the build-time estimator before it has
	// learned a distribution from observed builds.
	CircuitBuildTimeoutInitial time.Duration

	// MaxStreamsPerCircuit rejects further BEGINs past this count with
	// RESOURCE_LIMIT.
	MaxStreamsPerCircuit int

	// CellQueueHighwaterBytes caps per-circuit outbound cell queue memory.
	CellQueueHighwaterBytes int

	// KISTTargetKernelQueueBytes bounds the scheduler's per-channel depth
	// target.
	KISTTargetKernelQueueBytes int

	// SendMeEmitVersion selects the SENDME authentication scheme. Version 1
	// is the only one this implementation emits or accepts.
	SendMeEmitVersion int

	// RelayEarlyBudget is the maximum number of RELAY_EARLY cells a circuit
	// may carry.
	RelayEarlyBudget int

	// CellQueueOOMCeiling is the process-wide cell-queue memory ceiling; once
	// exceeded, circuitstore sheds the oldest-queued-cell circuits first.
	CellQueueOOMCeiling int

	// StreamAttachTimeout bounds how long a BEGIN may go unanswered before
	// the stream is closed with TIMEOUT.
	StreamAttachTimeout time.Duration

	// MinLinkVersion is the minimum supported link protocol version. Cells
	// requesting CREATE/EXTEND (v1) are refused.
	MinLinkVersion uint16
}

// Default returns a Config populated with the defaults named in spec §6.
func Default() *Config {
	return &Config{
		ChannelIdleTimeout:         3 * time.Minute,
		CircuitBuildTimeoutInitial: 5 * time.Second,
		MaxStreamsPerCircuit:       50,
		CellQueueHighwaterBytes:    8 << 20, // 8 MiB per circuit
		KISTTargetKernelQueueBytes: 1 << 16, // 64 KiB per channel
		SendMeEmitVersion:          1,
		RelayEarlyBudget:           8,
		CellQueueOOMCeiling:        256 << 20, // 256 MiB process-wide
		StreamAttachTimeout:        60 * time.Second,
		MinLinkVersion:             3,
	}
}
