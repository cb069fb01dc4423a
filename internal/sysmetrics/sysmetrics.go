// Package sysmetrics periodically samples process CPU/memory usage and
// feeds it to a metrics sink using gopsutil/v3. It tracks the current
// process specifically (process.Process.CPUPercent/MemoryInfo) rather than
// system-wide CPU, since the relay cares about its own footprint, not
// host-wide load.
package sysmetrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Sink receives sampled values. internal/metrics.Registry implements this.
type Sink interface {
	SetCPUPercent(v float64)
	SetMemoryBytes(v uint64)
	SetGoroutines(n int)
}

// Poller samples process CPU/memory on a fixed interval until its context
// is cancelled.
type Poller struct {
	interval time.Duration
	sink     Sink
	logger   zerolog.Logger

	proc *process.Process
}

// NewPoller constructs a Poller for the current process. interval <= 0
// disables sampling; Run returns immediately in that case.
func NewPoller(interval time.Duration, sink Sink, logger zerolog.Logger) *Poller {
	return &Poller{interval: interval, sink: sink, logger: logger}
}

// Run samples every interval until ctx is cancelled. Collapsed into one
// loop since sysmetrics has exactly one caller (cmd/eddnws/main.go) and no
// external callers need an on-demand sample.
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		p.logger.Warn().Err(err).Msg("sysmetrics: could not attach to own process, sampling disabled")
		return
	}
	p.proc = proc

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	if cpuPercent, err := p.proc.CPUPercent(); err == nil {
		p.sink.SetCPUPercent(cpuPercent)
	}
	if mem, err := p.proc.MemoryInfo(); err == nil && mem != nil {
		p.sink.SetMemoryBytes(mem.RSS)
	}
	p.sink.SetGoroutines(runtime.NumGoroutine())
}
