package voice

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single Opus frame of comfort silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleInterval = 20 * time.Millisecond

// SampleCapture feeds a local Opus track from a sample writer loop.
// Platform microphone backends push real frames through the same track;
// without one the loop keeps the stream alive with silence.
type SampleCapture struct {
	track  *webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
}

// NewSampleCapture acquires the default capture handle.
func NewSampleCapture(ctx context.Context) (Capture, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "peerchat-mic",
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &SampleCapture{track: track, cancel: cancel}

	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: sampleInterval}); err != nil {
					log.Debug().Err(err).Str("module", "voice").Msg("capture write stopped")
					return
				}
			}
		}
	}()
	return c, nil
}

func (c *SampleCapture) Track() webrtc.TrackLocal { return c.track }

func (c *SampleCapture) Close() error {
	c.cancel()
	return nil
}
