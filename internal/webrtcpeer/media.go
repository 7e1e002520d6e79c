package webrtcpeer

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/voxlink/webrtc-call-relay/internal/call"
)

const silenceFrameInterval = 20 * time.Millisecond

// opusSilence is a single opus frame of silence (CELT-only TOC + PLC).
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalMedia is the handle produced by SilentAudioSource: the local tracks
// to attach to a negotiation plus the pump feeding them.
type LocalMedia struct {
	tracks []webrtc.TrackLocal
	stop   context.CancelFunc
}

// SilentAudioSource is a headless call.MediaSource: instead of capturing a
// device it publishes an opus track carrying silence, which is enough to
// establish and keep a media session alive.
type SilentAudioSource struct{}

func (SilentAudioSource) AcquireLocalMedia(ctx context.Context) (call.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "voxlink-silent",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	pumpCtx, stop := context.WithCancel(context.Background())
	go pumpSilence(pumpCtx, track)

	return &LocalMedia{
		tracks: []webrtc.TrackLocal{track},
		stop:   stop,
	}, nil
}

func (SilentAudioSource) Release(handle call.MediaHandle) {
	if local, ok := handle.(*LocalMedia); ok && local.stop != nil {
		local.stop()
	}
}

// pumpSilence writes one silence frame per frame interval. WriteSample is a
// no-op until the track is bound to a live negotiation.
func pumpSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(silenceFrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{
				Data:     append([]byte(nil), opusSilence...),
				Duration: silenceFrameInterval,
			})
		}
	}
}
