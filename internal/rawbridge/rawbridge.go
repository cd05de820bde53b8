// Package rawbridge runs the two-stage RAW-debayer bridge -> encoder
// pipeline (C3): a bridge subprocess streams decoded rgb24 frames on its
// stdout directly into the encoder subprocess's stdin, with progress
// reported via newline-delimited JSON on the bridge's stderr.
package rawbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"transcode-worker/internal/ffmpeg"
	"transcode-worker/pkg/protocol"
)

// Kind distinguishes the two RAW bridge families.
type Kind int

const (
	RawA Kind = iota // no audio (e.g. BRAW-style)
	RawB              // supports --extract-audio (e.g. R3D-style)
)

func (k Kind) envVar() string {
	if k == RawA {
		return "RAW_A_BRIDGE_PATH"
	}
	return "RAW_B_BRIDGE_PATH"
}

func (k Kind) binaryName() string {
	if k == RawA {
		return "raw-a-bridge"
	}
	return "raw-b-bridge"
}

// Metadata describes a RAW source, reported by the bridge's --probe-only
// invocation (and repeated as the first stderr line of a streaming run).
type Metadata struct {
	Timecode   string `json:"timecode"`
	FPSNum     uint32 `json:"fps_num"`
	FPSDen     uint32 `json:"fps_den"`
	Width      uint32 `json:"width"`
	Height     uint32 `json:"height"`
	FrameCount uint64 `json:"frame_count"`
}

// DurationUs returns the clip duration in microseconds, per
// frame_count * fps_den * 1e6 / fps_num.
func (m Metadata) DurationUs() int64 {
	if m.FPSNum == 0 {
		return 0
	}
	return int64(m.FrameCount) * int64(m.FPSDen) * 1_000_000 / int64(m.FPSNum)
}

// FindBridge resolves the bridge binary: env var override, then alongside
// the server's own executable, then PATH.
func FindBridge(kind Kind) string {
	if p := os.Getenv(kind.envVar()); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), kind.binaryName())
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return kind.binaryName()
}

// Probe runs `bridge --input PATH --probe-only` and parses the metadata
// line written to stderr.
func Probe(ctx context.Context, kind Kind, inputPath string) (Metadata, error) {
	bridge := FindBridge(kind)
	cmd := exec.CommandContext(ctx, bridge, "--input", inputPath, "--probe-only")
	cmd.Stdout = nil
	out, err := cmd.StderrPipe()
	if err != nil {
		return Metadata{}, fmt.Errorf("probe %s: stderr pipe: %w", bridge, err)
	}
	if err := cmd.Start(); err != nil {
		return Metadata{}, fmt.Errorf("probe %s: start: %w", bridge, err)
	}
	scanner := bufio.NewScanner(out)
	var line string
	if scanner.Scan() {
		line = scanner.Text()
	}
	_ = cmd.Wait()
	if line == "" {
		return Metadata{}, fmt.Errorf("probe %s: no metadata line produced", bridge)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(line), &meta); err != nil {
		return Metadata{}, fmt.Errorf("probe %s: invalid metadata json: %w", bridge, err)
	}
	return meta, nil
}

// ExtractAudio renders the RAW-B source's audio to a temporary WAV file.
// Only RawB bridges support this invocation.
func ExtractAudio(ctx context.Context, inputPath, wavPath string) error {
	bridge := FindBridge(RawB)
	cmd := exec.CommandContext(ctx, bridge, "--input", inputPath, "--extract-audio", wavPath)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract audio via %s: %w", bridge, err)
	}
	if _, err := os.Stat(wavPath); err != nil {
		return fmt.Errorf("extract audio via %s: output not produced: %w", bridge, err)
	}
	return nil
}

type progressLine struct {
	Type  string `json:"type"`
	Frame uint64 `json:"frame"`
}

// Run starts the bridge + ffmpeg pipeline and emits events on events until
// completion or cancellation. ffmpegArgs must already encode the rawvideo
// input stage built by ffmpeg.BuildRawInputArgs. audioWavPath, when
// non-empty, is removed on every exit path (RAW-B only).
func Run(ctx context.Context, kind Kind, jobID, inputPath, debayerQuality, ffmpegPath string, ffmpegArgs []string, outputPath string, meta Metadata, audioWavPath string, events chan<- ffmpeg.Event, pidSlot *atomic.Uint32) error {
	bridge := FindBridge(kind)
	cleanup := func() {
		if audioWavPath != "" {
			os.Remove(audioWavPath)
		}
	}

	bridgeCmd := exec.Command(bridge, "--input", inputPath, "--debayer", debayerQuality)
	bridgeStderr, err := bridgeCmd.StderrPipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("bridge stderr pipe: %w", err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		cleanup()
		return fmt.Errorf("pixel pipe: %w", err)
	}
	bridgeCmd.Stdout = pw

	if err := bridgeCmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		cleanup()
		return fmt.Errorf("bridge start: %w", err)
	}
	pw.Close() // parent's copy of the write end; the bridge child owns the real one
	if pidSlot != nil && bridgeCmd.Process != nil {
		pidSlot.Store(uint32(bridgeCmd.Process.Pid))
	}

	// First stderr line is the metadata, already known from the prior probe.
	stderrReader := bufio.NewScanner(bridgeStderr)
	if !stderrReader.Scan() {
		pr.Close()
		_ = bridgeCmd.Wait()
		cleanup()
		emit(ctx, events, ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventError, Message: "bridge produced no metadata line"})
		return nil
	}

	ffmpegCmd := exec.Command(ffmpegPath, ffmpegArgs...)
	ffmpegCmd.Stdin = pr
	ffmpegCmd.Stdout = nil
	ffmpegCmd.Stderr = nil
	if err := ffmpegCmd.Start(); err != nil {
		pr.Close()
		_ = bridgeCmd.Wait()
		cleanup()
		return fmt.Errorf("ffmpeg start: %w", err)
	}
	pr.Close() // parent's copy; ffmpeg's child fd keeps the pipe alive

	lineCh := make(chan string, 1)
	go func() {
		for stderrReader.Scan() {
			lineCh <- stderrReader.Text()
		}
		close(lineCh)
	}()

	totalFrames := meta.FrameCount

	for {
		select {
		case <-ctx.Done():
			bridgePID := uint32(0)
			if pidSlot != nil {
				bridgePID = pidSlot.Load()
			}
			if bridgePID != 0 {
				_ = syscall.Kill(int(bridgePID), syscall.SIGTERM)
			}
			_ = bridgeCmd.Wait()
			_ = ffmpegCmd.Wait()
			if pidSlot != nil {
				pidSlot.Store(0)
			}
			cleanup()
			// ctx is already done here, so emit could skip the send; the
			// worker keeps draining events until it sees a terminal one.
			events <- ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventCancelled}
			return nil

		case line, ok := <-lineCh:
			if !ok {
				bridgeErr := bridgeCmd.Wait()
				ffmpegErr := ffmpegCmd.Wait()
				if pidSlot != nil {
					pidSlot.Store(0)
				}
				cleanup()
				// Bridge's exit status takes precedence when both failed.
				if bridgeErr != nil {
					emit(ctx, events, ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventError, Message: fmt.Sprintf("bridge exited with error: %v", bridgeErr)})
					return nil
				}
				if ffmpegErr != nil {
					emit(ctx, events, ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventError, Message: fmt.Sprintf("ffmpeg exited with error: %v", ffmpegErr)})
					return nil
				}
				emit(ctx, events, ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventDone})
				return nil
			}

			var pl progressLine
			if json.Unmarshal([]byte(line), &pl) == nil && pl.Type == "progress" {
				percent := float32(0)
				if totalFrames > 0 {
					percent = float32(pl.Frame) / float32(totalFrames) * 100
					if percent > 100 {
						percent = 100
					}
				}
				emit(ctx, events, ffmpeg.Event{JobID: jobID, Kind: ffmpeg.EventProgress, Percent: percent, Frame: pl.Frame})
			}
		}
	}
}

// emit sends ev, applying backpressure when the per-job channel is full. It
// only gives up early if ctx is done, so a terminal event is never silently
// dropped on a slow consumer.
func emit(ctx context.Context, events chan<- ffmpeg.Event, ev ffmpeg.Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// BridgeForMode maps a job mode to its RAW bridge kind.
func BridgeForMode(mode protocol.JobMode) (Kind, bool) {
	switch mode {
	case protocol.ModeRawAProxy:
		return RawA, true
	case protocol.ModeRawBProxy:
		return RawB, true
	default:
		return 0, false
	}
}
