package encoder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/DualCam/internal/media"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		in        string
		mediaType string
		codecs    []string
		wantErr   bool
	}{
		{in: "video/webm", mediaType: "video/webm"},
		{in: "video/webm;codecs=vp9,opus", mediaType: "video/webm", codecs: []string{"vp9", "opus"}},
		{in: `Video/WebM; codecs="VP8, Opus"`, mediaType: "video/webm", codecs: []string{"vp8", "opus"}},
		{in: "multipart/x-mixed-replace;boundary=dualcam", mediaType: "multipart/x-mixed-replace"},
		{in: "webm", wantErr: true},
		{in: "video/webm;codecs", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			mediaType, codecs, err := parseType(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.mediaType, mediaType)
			assert.Equal(t, tt.codecs, codecs)
		})
	}
}

func TestWebmCodecs(t *testing.T) {
	tests := []struct {
		in      string
		video   string
		audio   string
		wantErr bool
	}{
		{in: "video/webm", video: "vp8enc", audio: "opusenc"},
		{in: "video/webm;codecs=vp9,opus", video: "vp9enc", audio: "opusenc"},
		{in: `video/webm;codecs="vp09.00.10.08"`, video: "vp9enc", audio: "opusenc"},
		{in: "video/webm;codecs=h264", wantErr: true},
		{in: "video/mp4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			video, audio, err := webmCodecs(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.video, video)
			assert.Equal(t, tt.audio, audio)
		})
	}
}

func TestGStreamerSupportsCachesInspection(t *testing.T) {
	calls := map[string]int{}
	g := &GStreamer{
		lookPath: func(string) (string, error) { return "/usr/bin/gst-launch-1.0", nil },
		inspect: func(element string) bool {
			calls[element]++
			return element != "vp9enc"
		},
		known: make(map[string]bool),
	}

	assert.True(t, g.Supports("video/webm;codecs=vp8,opus"))
	assert.True(t, g.Supports("video/webm"))
	assert.False(t, g.Supports("video/webm;codecs=vp9"))
	assert.False(t, g.Supports("video/webm;codecs=vp9"))
	assert.False(t, g.Supports(MJPEGMimeType))

	for element, n := range calls {
		assert.Equal(t, 1, n, element)
	}
	assert.Equal(t, 1, calls["vp9enc"])
}

func TestGStreamerVideoOnlyWithoutOpus(t *testing.T) {
	g := &GStreamer{
		lookPath: func(string) (string, error) { return "/usr/bin/gst-launch-1.0", nil },
		inspect:  func(element string) bool { return element != "opusenc" },
		known:    make(map[string]bool),
	}

	assert.True(t, g.Supports("video/webm"))
	assert.True(t, g.Supports("video/webm;codecs=vp8"))
	assert.False(t, g.Supports("video/webm;codecs=vp8,opus"))
	assert.False(t, g.hasElements(audioElements("opusenc")))
}

func TestRequiredElements(t *testing.T) {
	elements, err := requiredElements("video/webm;codecs=vp9")
	require.NoError(t, err)
	assert.Contains(t, elements, "vp9enc")
	assert.NotContains(t, elements, "opusenc")
	assert.NotContains(t, elements, "rawaudioparse")

	elements, err = requiredElements("video/webm;codecs=vp9,opus")
	require.NoError(t, err)
	assert.Contains(t, elements, "opusenc")
	assert.Contains(t, elements, "rawaudioparse")

	_, err = requiredElements("video/mp4")
	assert.Error(t, err)
}

func TestGStreamerUnavailableWithoutBinary(t *testing.T) {
	g := &GStreamer{
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
		inspect:  func(string) bool { return true },
		known:    make(map[string]bool),
	}
	assert.False(t, g.Supports("video/webm"))
}

func TestGstPipelineString(t *testing.T) {
	p := gstPipeline{
		Width:        640,
		Height:       240,
		FPS:          30,
		Bitrate:      2_500_000,
		VideoEncoder: "vp8enc",
		AudioEncoder: "opusenc",
	}

	videoOnly := p.String()
	assert.Contains(t, videoOnly, "fdsrc fd=0 ! rawvideoparse format=rgba width=640 height=240 framerate=30/1")
	assert.Contains(t, videoOnly, "vp8enc target-bitrate=2500000")
	assert.Contains(t, videoOnly, "webmmux name=mux streamable=true ! fdsink fd=1")
	assert.NotContains(t, videoOnly, "fd=3")

	p.Audio = &media.AudioFormat{SampleRate: 48000, Channels: 2}
	withAudio := p.String()
	assert.Contains(t, withAudio, "fdsrc fd=3 ! rawaudioparse format=pcm pcm-format=s16le sample-rate=48000 num-channels=2")
	assert.Contains(t, withAudio, "opusenc ! queue ! mux.")
}

func TestGstDiagnosticsKeepsLastError(t *testing.T) {
	d := &gstDiagnostics{}

	_, err := d.Write([]byte("Setting pipeline to PLAYING ...\nERROR: from element /GstPipeline:pipeline0/GstVP8Enc"))
	require.NoError(t, err)
	assert.Empty(t, d.last(), "partial line is held back")

	_, err = d.Write([]byte(": Could not initialize\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "ERROR: from element /GstPipeline:pipeline0/GstVP8Enc: Could not initialize", d.last())
}
