//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

type captureAttempt struct {
	video bool
	audio bool
	label string
}

// attempts lists what to try for c, most complete first. GetUserMedia fails
// as a unit, so a busy microphone would otherwise also cost the camera.
func attempts(c Constraints) []captureAttempt {
	switch {
	case c.Audio && c.Video:
		return []captureAttempt{
			{video: true, audio: true, label: "video+audio"},
			{video: true, label: "video-only"},
			{audio: true, label: "audio-only"},
		}
	case c.Video:
		return []captureAttempt{{video: true, label: "video-only"}}
	case c.Audio:
		return []captureAttempt{{audio: true, label: "audio-only"}}
	default:
		return nil
	}
}

func (d *DeviceSource) Open(ctx context.Context, c Constraints) ([]Track, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		d.log.Warn().Msg("no capture devices found")
	} else {
		for _, dev := range devices {
			d.log.Debug().Str("kind", fmt.Sprint(dev.Kind)).Str("label", dev.Label).Msg("capture device")
		}
	}

	lastErr := errors.New("no media kind requested")
	for _, a := range attempts(c) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG nodes on some cameras poison the encoder.
				mc.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				mc.Width = prop.IntRanged{Max: 640}
				mc.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			d.log.Warn().Err(err).Str("attempt", a.label).Msg("getusermedia failed")
			lastErr = err
			continue
		}

		var tracks []Track
		for _, mt := range stream.GetTracks() {
			mt.OnEnded(func(err error) {
				if err != nil {
					d.log.Warn().Err(err).Str("track_id", mt.ID()).Msg("capture track ended")
				}
			})
			tracks = append(tracks, newLocalTrack(mt.ID(), KindFromCodecType(mt.Kind()), mt, mt.Close))
		}
		d.log.Info().Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return tracks, nil
	}
	return nil, lastErr
}
