package ffmpeg

import (
	"fmt"
	"strings"

	"transcode-worker/pkg/protocol"
)

// nvencSafePixFmts is the set of pixel formats the GPU decoder can ingest
// directly; anything outside this set falls back to the hybrid pipeline.
var nvencSafePixFmts = map[string]bool{
	"yuv420p": true, "nv12": true, "yuvj420p": true,
	"yuv420p10le": true, "yuv420p10be": true,
	"p010le": true, "p010be": true, "p016le": true,
	"yuv420p12le": true, "p012le": true,
}

// NVENCFullGPUSupported reports whether pixFmt belongs to the safe set for
// full-GPU (decode+scale+encode) NVENC transcoding.
func NVENCFullGPUSupported(pixFmt string) bool {
	return nvencSafePixFmts[pixFmt]
}

// BuildInputArgs builds the non-rawvideo variant: a normal `-i input` stage
// with stream mapping, used by rewrap and plain proxy jobs.
func BuildInputArgs(inputPath, outputPath string, mode protocol.JobMode, opts protocol.JobOptions, fullGPU bool) []string {
	var args []string
	args = append(args, "-y")

	if mode == protocol.ModeProxy {
		args = append(args, hwAccelInitArgs(opts.HWAccel, fullGPU)...)
	}

	args = append(args, "-loglevel", "warning")
	args = append(args, "-i", inputPath)

	args = append(args, "-map", "0:v:0", "-map", "0:a", "-map_metadata", "0", "-map", "0:d?")

	args = append(args, modeCodecArgs(mode, opts, fullGPU)...)

	args = append(args, "-progress", "pipe:2")
	args = append(args, outputPath)
	return args
}

// BuildRawInputArgs builds the rawvideo-from-pipe variant used by the
// RAW-bridge pipeline (C3): input is `-f rawvideo -pix_fmt rgb24 -s WxH -r
// N/D -i pipe:0`, hardware-accelerated decode is always forced off, and an
// optional second WAV input is mapped for RAW-B audio.
func BuildRawInputArgs(width, height uint32, fpsNum, fpsDen uint32, audioWavPath, timecode, outputPath string, opts protocol.JobOptions) []string {
	var args []string
	args = append(args, "-y")
	args = append(args, "-loglevel", "warning")

	args = append(args, "-f", "rawvideo", "-pix_fmt", "rgb24")
	args = append(args, "-s", fmt.Sprintf("%dx%d", width, height))
	args = append(args, "-r", fmt.Sprintf("%d/%d", fpsNum, fpsDen))
	args = append(args, "-i", "pipe:0")

	hasAudio := audioWavPath != ""
	if hasAudio {
		args = append(args, "-i", audioWavPath)
		args = append(args, "-map", "0:v:0", "-map", "1:a")
	} else {
		args = append(args, "-map", "0:v:0")
	}

	args = append(args, pushProxyCodecArgs(opts.ProxyCodec, protocol.HWAccelNone, opts.ProxyResolution, false)...)

	if hasAudio {
		args = append(args, "-c:a", "pcm_s32le")
	}

	if timecode != "" {
		args = append(args, "-metadata", fmt.Sprintf("timecode=%s", timecode))
	}

	args = append(args, outputPath)
	return args
}

func modeCodecArgs(mode protocol.JobMode, opts protocol.JobOptions, fullGPU bool) []string {
	if mode == protocol.ModeRewrap {
		return []string{"-c:v", "copy", "-c:a", opts.AudioCodec}
	}
	args := pushProxyCodecArgs(opts.ProxyCodec, opts.HWAccel, opts.ProxyResolution, fullGPU)
	args = append(args, "-c:a", "pcm_s16le")
	return args
}

// pushProxyCodecArgs resolves the codec x hw-accel Cartesian product shared
// by the plain-proxy path and both RAW-bridge paths (which always pass
// hwAccel=none since decode already happened upstream of the pipe).
func pushProxyCodecArgs(codec protocol.ProxyCodec, hwAccel protocol.HWAccel, resolution string, fullGPU bool) []string {
	scaleFilter := scaleFilterFor(resolution, hwAccel, fullGPU)

	switch codec {
	case protocol.CodecH264, protocol.CodecH265:
		return h26xArgs(codec, hwAccel, scaleFilter, fullGPU)
	case protocol.CodecAV1:
		return av1Args(hwAccel, scaleFilter)
	case protocol.CodecProResLT, protocol.CodecProResSQ, protocol.CodecProResHQ, protocol.CodecProRes4444:
		return proresArgs(codec, scaleFilter)
	default:
		return h26xArgs(protocol.CodecH264, hwAccel, scaleFilter, fullGPU)
	}
}

func h26xArgs(codec protocol.ProxyCodec, hwAccel protocol.HWAccel, scaleFilter string, fullGPU bool) []string {
	encoder := "libx264"
	if codec == protocol.CodecH265 {
		encoder = "libx265"
	}
	switch hwAccel {
	case protocol.HWAccelVAAPI:
		enc := "h264_vaapi"
		if codec == protocol.CodecH265 {
			enc = "hevc_vaapi"
		}
		args := []string{"-c:v", enc, "-qp", "23"}
		vf := "format=nv12,hwupload"
		if scaleFilter != "" {
			vf += ",scale_vaapi=" + scaleFilter
		}
		return append(args, "-vf", vf)
	case protocol.HWAccelNVENC:
		enc := "h264_nvenc"
		if codec == protocol.CodecH265 {
			enc = "hevc_nvenc"
		}
		args := []string{"-c:v", enc, "-preset", "p4", "-rc", "constqp", "-qp", "23"}
		if scaleFilter != "" {
			args = append(args, "-vf", "scale="+scaleFilter)
		}
		return args
	default:
		args := []string{"-c:v", encoder, "-crf", "23", "-preset", "fast", "-pix_fmt", "yuv420p"}
		if scaleFilter != "" {
			args = append(args, "-vf", "scale="+scaleFilter)
		}
		return args
	}
}

func av1Args(hwAccel protocol.HWAccel, scaleFilter string) []string {
	switch hwAccel {
	case protocol.HWAccelNVENC:
		// 8-bit yuv420p only; scaling always happens on CPU for AV1/NVENC.
		args := []string{"-c:v", "av1_nvenc", "-preset", "p4", "-rc", "constqp", "-qp", "28", "-pix_fmt", "yuv420p"}
		if scaleFilter != "" {
			args = append(args, "-vf", "scale="+scaleFilter)
		}
		return args
	case protocol.HWAccelVAAPI:
		args := []string{"-c:v", "av1_vaapi", "-qp", "28"}
		vf := "format=nv12,hwupload"
		if scaleFilter != "" {
			vf += ",scale_vaapi=" + scaleFilter
		}
		return append(args, "-vf", vf)
	default:
		args := []string{"-c:v", "libsvtav1", "-crf", "30", "-preset", "6", "-pix_fmt", "yuv420p"}
		if scaleFilter != "" {
			args = append(args, "-vf", "scale="+scaleFilter)
		}
		return args
	}
}

func proresArgs(codec protocol.ProxyCodec, scaleFilter string) []string {
	profile := map[protocol.ProxyCodec]string{
		protocol.CodecProResLT:   "0",
		protocol.CodecProResSQ:   "1",
		protocol.CodecProResHQ:   "2",
		protocol.CodecProRes4444: "3",
	}[codec]
	args := []string{"-c:v", "prores_ks", "-profile:v", profile, "-pix_fmt", "yuv422p10le"}
	if scaleFilter != "" {
		args = append(args, "-vf", "scale="+scaleFilter)
	}
	return args
}

func scaleFilterFor(resolution string, hwAccel protocol.HWAccel, fullGPU bool) string {
	if resolution == "" {
		return ""
	}
	res := strings.ReplaceAll(resolution, "x", ":")
	if hwAccel == protocol.HWAccelVAAPI {
		return res
	}
	if hwAccel == protocol.HWAccelNVENC && fullGPU {
		return res
	}
	return res
}

func hwAccelInitArgs(hwAccel protocol.HWAccel, fullGPU bool) []string {
	switch hwAccel {
	case protocol.HWAccelNVENC:
		if fullGPU {
			return []string{"-hwaccel", "cuda", "-hwaccel_output_format", "cuda"}
		}
		return []string{"-init_hw_device", "cuda=cuda:0", "-filter_hw_device", "cuda"}
	case protocol.HWAccelVAAPI:
		return []string{"-vaapi_device", "/dev/dri/renderD128"}
	default:
		return nil
	}
}

// OutputExtension returns the output container extension for mode/codec,
// per spec: "mov" except AV1-proxy which is "mp4".
func OutputExtension(mode protocol.JobMode, codec protocol.ProxyCodec) string {
	if (mode == protocol.ModeProxy || mode == protocol.ModeRawAProxy || mode == protocol.ModeRawBProxy) && codec == protocol.CodecAV1 {
		return "mp4"
	}
	return "mov"
}

// DebayerDivisor returns the frame-dimension divisor for a debayer quality
// tier: premium=1, half=2, quarter=4, eighth=8.
func DebayerDivisor(q protocol.DebayerQuality) uint32 {
	switch q {
	case protocol.DebayerHalf:
		return 2
	case protocol.DebayerQuarter:
		return 4
	case protocol.DebayerEighth:
		return 8
	default:
		return 1
	}
}
