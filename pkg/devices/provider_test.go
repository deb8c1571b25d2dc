package devices

import (
	"errors"
	"fmt"
	"image"
	"io/fs"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/stretchr/testify/assert"

	"github.com/am-sokolov/liveroom-go/pkg/room"
)

func TestApplyConstraints(t *testing.T) {
	c := room.ConstraintsFor(room.QualitySD)
	c.VideoDevice = "cam1"

	var video mediadevices.MediaTrackConstraints
	applyVideo(&video, c)
	assert.Equal(t, prop.String("cam1"), video.DeviceID)
	assert.Equal(t, prop.Int(640), video.Width)
	assert.Equal(t, prop.Int(480), video.Height)
	assert.Equal(t, prop.Float(15), video.FrameRate)

	var audio mediadevices.MediaTrackConstraints
	applyAudio(&audio, c)
	assert.Nil(t, audio.DeviceID)
	assert.Equal(t, prop.Int(48000), audio.SampleRate)
	assert.Equal(t, prop.Int(1), audio.ChannelCount)
	assert.Equal(t, prop.Duration(20*time.Millisecond), audio.Latency)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", fmt.Errorf("open /dev/video0: %w", fs.ErrPermission), room.ErrMediaAccessDenied},
		{"permission text", errors.New("Permission denied by system"), room.ErrMediaAccessDenied},
		{"no driver", errors.New("failed to find the best driver that fits the constraints"), room.ErrMediaUnavailable},
		{"already typed", room.ErrMediaAccessDenied, room.ErrMediaAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.NotEmpty(t, room.ActionFor(got))
		})
	}
	assert.NoError(t, classify(nil))
}

func TestBlackFrame(t *testing.T) {
	img := blackFrame(image.Rect(0, 0, 4, 2)).(*image.YCbCr)
	assert.Equal(t, image.Rect(0, 0, 4, 2), img.Bounds())
	for _, y := range img.Y {
		assert.Zero(t, y)
	}
	for _, cb := range img.Cb {
		assert.Equal(t, uint8(128), cb)
	}
}
