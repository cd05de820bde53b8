package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transcode-worker/pkg/protocol"
)

func TestBuildInputArgsRewrapOrder(t *testing.T) {
	opts := protocol.JobOptions{AudioCodec: "aac"}
	args := BuildInputArgs("/in.mov", "/out.mov", protocol.ModeRewrap, opts, false)

	require.Equal(t, "-y", args[0])
	idx := indexOf(args, "-i")
	require.Greater(t, idx, 0)
	assert.Equal(t, "/in.mov", args[idx+1])
	assert.Contains(t, args, "copy")
	assert.Contains(t, args, "aac")
	assert.Equal(t, "/out.mov", args[len(args)-1])
}

func TestBuildInputArgsProxyPlacesHWAccelBeforeInput(t *testing.T) {
	opts := protocol.JobOptions{ProxyCodec: protocol.CodecH264, HWAccel: protocol.HWAccelNVENC}
	args := BuildInputArgs("/in.mov", "/out.mov", protocol.ModeProxy, opts, false)

	hwIdx := indexOf(args, "-init_hw_device")
	inputIdx := indexOf(args, "-i")
	require.GreaterOrEqual(t, hwIdx, 0)
	require.Greater(t, inputIdx, hwIdx)
}

func TestBuildInputArgsRewrapHasNoHWAccelInit(t *testing.T) {
	opts := protocol.JobOptions{AudioCodec: "aac", HWAccel: protocol.HWAccelNVENC}
	args := BuildInputArgs("/in.mov", "/out.mov", protocol.ModeRewrap, opts, false)
	assert.NotContains(t, args, "-init_hw_device")
}

func TestPushProxyCodecArgsAV1NVENCForcesYUV420P(t *testing.T) {
	args := pushProxyCodecArgs(protocol.CodecAV1, protocol.HWAccelNVENC, "", false)
	assert.Contains(t, args, "av1_nvenc")
	assert.Contains(t, args, "yuv420p")
}

func TestPushProxyCodecArgsProResProfileSelection(t *testing.T) {
	args := pushProxyCodecArgs(protocol.CodecProResHQ, protocol.HWAccelNone, "", false)
	assert.Contains(t, args, "prores_ks")
	idx := indexOf(args, "-profile:v")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "2", args[idx+1])
}

func TestOutputExtensionAV1ProxyIsMP4(t *testing.T) {
	assert.Equal(t, "mp4", OutputExtension(protocol.ModeProxy, protocol.CodecAV1))
	assert.Equal(t, "mov", OutputExtension(protocol.ModeProxy, protocol.CodecH264))
	assert.Equal(t, "mov", OutputExtension(protocol.ModeRewrap, protocol.CodecAV1))
}

func TestDebayerDivisor(t *testing.T) {
	assert.Equal(t, uint32(1), DebayerDivisor(protocol.DebayerPremium))
	assert.Equal(t, uint32(2), DebayerDivisor(protocol.DebayerHalf))
	assert.Equal(t, uint32(4), DebayerDivisor(protocol.DebayerQuarter))
	assert.Equal(t, uint32(8), DebayerDivisor(protocol.DebayerEighth))
}

func TestNVENCFullGPUSupported(t *testing.T) {
	assert.True(t, NVENCFullGPUSupported("yuv420p"))
	assert.True(t, NVENCFullGPUSupported("p010le"))
	assert.False(t, NVENCFullGPUSupported("yuv444p"))
	assert.False(t, NVENCFullGPUSupported(""))
}

func TestBuildRawInputArgsWithAudio(t *testing.T) {
	opts := protocol.JobOptions{ProxyCodec: protocol.CodecH264}
	args := BuildRawInputArgs(1920, 1080, 24000, 1001, "/tmp/audio.wav", "01:00:00:00", "/out.mov", opts)

	assert.Contains(t, args, "rawvideo")
	assert.Contains(t, args, "1920x1080")
	assert.Contains(t, args, "24000/1001")
	assert.Contains(t, args, "/tmp/audio.wav")
	assert.Contains(t, args, "pcm_s32le")
	assert.Contains(t, args, "timecode=01:00:00:00")
}

func TestBuildRawInputArgsWithoutAudio(t *testing.T) {
	opts := protocol.JobOptions{ProxyCodec: protocol.CodecH264}
	args := BuildRawInputArgs(960, 540, 24, 1, "", "", "/out.mov", opts)
	assert.NotContains(t, args, "pcm_s32le")
	assert.NotContains(t, args, "-metadata")
}

func indexOf(args []string, target string) int {
	for i, a := range args {
		if a == target {
			return i
		}
	}
	return -1
}
