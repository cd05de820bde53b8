// Package protocol defines the newline-delimited JSON wire types exchanged
// with the parent process over stdin/stdout.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JobMode selects the transcode pipeline for a job.
type JobMode string

const (
	ModeRewrap     JobMode = "re_wrap"
	ModeProxy      JobMode = "proxy"
	ModeRawAProxy  JobMode = "raw_a_proxy"
	ModeRawBProxy  JobMode = "raw_b_proxy"
)

func (m JobMode) Valid() bool {
	switch m {
	case ModeRewrap, ModeProxy, ModeRawAProxy, ModeRawBProxy:
		return true
	}
	return false
}

// HWAccel selects the hardware-acceleration strategy for proxy encodes.
type HWAccel string

const (
	HWAccelNone  HWAccel = "none"
	HWAccelVAAPI HWAccel = "vaapi"
	HWAccelNVENC HWAccel = "nvenc"
)

// ProxyCodec identifies the target codec for proxy/raw-proxy jobs.
type ProxyCodec string

const (
	CodecH264       ProxyCodec = "h264"
	CodecH265       ProxyCodec = "h265"
	CodecAV1        ProxyCodec = "av1"
	CodecProResLT   ProxyCodec = "prores_lt"
	CodecProResSQ   ProxyCodec = "prores_422"
	CodecProResHQ   ProxyCodec = "prores_hq"
	CodecProRes4444 ProxyCodec = "prores_4444"
)

// DebayerQuality selects the RAW-B bridge's output resolution tier.
type DebayerQuality string

const (
	DebayerPremium DebayerQuality = "premium"
	DebayerHalf    DebayerQuality = "half"
	DebayerQuarter DebayerQuality = "quarter"
	DebayerEighth  DebayerQuality = "eighth"
)

// JobOptions carries the tunable knobs for a job; all fields have defaults.
type JobOptions struct {
	AudioCodec      string         `json:"audio_codec,omitempty"`
	ProxyResolution string         `json:"proxy_resolution,omitempty"`
	ProxyCodec      ProxyCodec     `json:"proxy_codec,omitempty"`
	HWAccel         HWAccel        `json:"hw_accel,omitempty"`
	OutputSuffix    string         `json:"output_suffix,omitempty"`
	OutputSubfolder string         `json:"output_subfolder,omitempty"`
	DebayerQuality  DebayerQuality `json:"debayer_quality,omitempty"`
	SkipIfExists    bool           `json:"skip_if_exists,omitempty"`
}

// WithDefaults returns a copy of opts with zero-value fields replaced by
// their documented defaults.
func (o JobOptions) WithDefaults() JobOptions {
	if o.AudioCodec == "" {
		o.AudioCodec = "pcm_s24le"
	}
	if o.ProxyCodec == "" {
		o.ProxyCodec = CodecH264
	}
	if o.HWAccel == "" {
		o.HWAccel = HWAccelNone
	}
	if o.DebayerQuality == "" {
		o.DebayerQuality = DebayerPremium
	}
	return o
}

// Request is the tagged union of all inbound request payloads.
type Request struct {
	Type string `json:"type"`

	// add_job
	ID         string     `json:"id,omitempty"`
	InputPath  string     `json:"input_path,omitempty"`
	OutputDir  string     `json:"output_dir,omitempty"`
	Mode       JobMode    `json:"mode,omitempty"`
	Options    JobOptions `json:"options,omitempty"`

	// set_max_parallel
	N int `json:"n,omitempty"`
}

const (
	ReqAddJob         = "add_job"
	ReqCancelJob      = "cancel_job"
	ReqSetMaxParallel = "set_max_parallel"
	ReqPauseAll       = "pause_all"
	ReqResumeAll      = "resume_all"
	ReqGetStatus      = "get_status"
	ReqShutdown       = "shutdown"
)

// ParseRequest decodes one NDJSON line into a Request.
func ParseRequest(line []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(line, &r); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	if r.Type == "" {
		return Request{}, fmt.Errorf("parse request: missing type")
	}
	return r, nil
}

// Response is the tagged union of all outbound response payloads.
type Response struct {
	Type string `json:"type"`

	ID      string  `json:"id,omitempty"`
	Percent float32 `json:"percent,omitempty"`
	FPS     float32 `json:"fps,omitempty"`
	Speed   float32 `json:"speed,omitempty"`
	Frame   uint64  `json:"frame,omitempty"`
	Message string  `json:"message,omitempty"`

	Jobs []JobStatus `json:"jobs,omitempty"`
}

const (
	RespJobQueued    = "job_queued"
	RespJobProgress  = "job_progress"
	RespJobDone      = "job_done"
	RespJobError     = "job_error"
	RespJobCancelled = "job_cancelled"
	RespStatusReport = "status_report"
)

// JobStatus is one entry of a status_report response.
type JobStatus struct {
	ID        string  `json:"id"`
	InputPath string  `json:"input_path"`
	Mode      JobMode `json:"mode"`
	Status    string  `json:"status"`
	Percent   float32 `json:"percent"`
}

func JobQueued(id string) Response { return Response{Type: RespJobQueued, ID: id} }

func JobProgress(id string, percent, fps, speed float32, frame uint64) Response {
	return Response{Type: RespJobProgress, ID: id, Percent: percent, FPS: fps, Speed: speed, Frame: frame}
}

func JobDone(id string) Response { return Response{Type: RespJobDone, ID: id} }

func JobError(id, message string) Response {
	return Response{Type: RespJobError, ID: id, Message: message}
}

func JobCancelled(id string) Response { return Response{Type: RespJobCancelled, ID: id} }

func StatusReport(jobs []JobStatus) Response {
	return Response{Type: RespStatusReport, Jobs: jobs}
}
