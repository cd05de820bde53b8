// Package hostinfo reports host capability and load diagnostics, which are
// logged at startup. The scheduler and internal/ffmpeg do not consult them:
// a job's hw_accel option is used as the caller gave it.
package hostinfo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Capabilities is the set of hardware-acceleration families ffmpeg can
// actually reach on this host, discovered once at startup.
type Capabilities struct {
	VAAPI bool
	NVENC bool
}

// Probe runs ffmpegPath once to discover hardware encoder capabilities.
type Probe struct {
	ffmpegPath string
	once       sync.Once
	caps       Capabilities
	err        error
}

// NewProbe returns a Probe bound to the configured ffmpeg binary.
func NewProbe(ffmpegPath string) *Probe {
	return &Probe{ffmpegPath: ffmpegPath}
}

// Capabilities returns the cached hardware capability set, probing on the
// first call.
func (p *Probe) Capabilities(ctx context.Context) (Capabilities, error) {
	p.once.Do(func() {
		p.caps, p.err = detect(ctx, p.ffmpegPath)
	})
	return p.caps, p.err
}

func detect(ctx context.Context, ffmpegPath string) (Capabilities, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return Capabilities{}, fmt.Errorf("ffmpeg encoder probe failed: %w", err)
	}
	output := out.String()
	return Capabilities{
		VAAPI: strings.Contains(output, "h264_vaapi"),
		NVENC: strings.Contains(output, "h264_nvenc") || strings.Contains(output, "hevc_nvenc"),
	}, nil
}

// Stats is a point-in-time snapshot of host load.
type Stats struct {
	CPUPercent float64
	RAMPercent float64
}

// CurrentStats samples CPU (over a 500ms window) and memory usage.
func CurrentStats(ctx context.Context) (Stats, error) {
	var s Stats

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("mem stats: %w", err)
	}
	s.RAMPercent = v.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil {
		return s, fmt.Errorf("cpu stats: %w", err)
	}
	if len(cpuPct) > 0 {
		s.CPUPercent = cpuPct[0]
	}
	return s, nil
}
