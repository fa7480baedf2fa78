package encoder_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image/jpeg"
	"io"
	"mime/multipart"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/DualCam/internal/encoder"
	"github.com/bryanchriswhite/DualCam/internal/stream"
)

func TestMJPEGSupports(t *testing.T) {
	m := encoder.NewMJPEG()
	assert.True(t, m.Supports(encoder.MJPEGMimeType))
	assert.True(t, m.Supports("video/x-motion-jpeg"))
	assert.False(t, m.Supports("video/webm;codecs=vp8"))
	assert.False(t, m.Supports("not a type"))
	assert.Equal(t, []string{encoder.MJPEGMimeType}, m.Types())
}

func TestMJPEGProducesMultipartStream(t *testing.T) {
	track := &fixedTrack{id: "front-mic", samples: []int16{1, -2, 300}}
	cs := newStream(t, stream.AudioSourceA, track)

	s := encoder.NewSession(encoder.NewMJPEG())
	require.NoError(t, s.Open(context.Background(), cs, encoder.Options{MimeType: encoder.MJPEGMimeType, Timeslice: time.Hour}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, cs.Pump(start.Add(time.Duration(i)*33*time.Millisecond)))
	}
	require.NoError(t, s.Finalize())

	blob, err := s.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, encoder.MJPEGMimeType, blob.MimeType)

	reader := multipart.NewReader(bytes.NewReader(blob.Data), encoder.MJPEGBoundary)
	var images, audio int
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		body, err := io.ReadAll(part)
		require.NoError(t, err)

		switch part.Header.Get("Content-Type") {
		case "image/jpeg":
			img, err := jpeg.Decode(bytes.NewReader(body))
			require.NoError(t, err)
			assert.Equal(t, cs.Bounds().Size(), img.Bounds().Size())
			images++
		case "audio/L16;rate=48000;channels=1":
			assert.Equal(t, "front-mic", part.Header.Get("X-Track"))
			require.Len(t, body, 6)
			assert.Equal(t, int16(1), int16(binary.BigEndian.Uint16(body[0:])))
			assert.Equal(t, int16(-2), int16(binary.BigEndian.Uint16(body[2:])))
			assert.Equal(t, int16(300), int16(binary.BigEndian.Uint16(body[4:])))
			audio++
		default:
			t.Fatalf("unexpected part type %q", part.Header.Get("Content-Type"))
		}
	}
	assert.Equal(t, 3, images)
	assert.Equal(t, 3, audio)
}

func TestMJPEGRejectsWritesAfterFlush(t *testing.T) {
	cs := newStream(t, stream.AudioMute, nil)
	enc, err := encoder.NewMJPEG().Open(context.Background(), cs, encoder.Options{MimeType: encoder.MJPEGMimeType})
	require.NoError(t, err)
	defer enc.Close()

	require.NoError(t, enc.Flush())
	assert.Error(t, enc.Flush())
	assert.Error(t, enc.WriteAudio(stream.AudioChunk{TrackID: "x"}))

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-enc.Events():
			require.NotEqual(t, encoder.EventError, ev.Type)
			if ev.Type == encoder.EventStopped {
				return
			}
		case <-timeout:
			t.Fatal("no stopped event")
		}
	}
}
