//go:build linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/opsdesk/huddle/internal/proto"
)

// deviceSource captures camera/mic via pion/mediadevices (V4L2 + malgo).
type deviceSource struct {
	opts Options
}

// NewDeviceSource returns the platform media source.
func NewDeviceSource(opts Options) MediaSource {
	return &deviceSource{opts: opts}
}

// Acquire builds a WebRTC API with VP8+Opus codecs and attempts local
// capture. Capture failure is not fatal: the returned media falls back to
// receive-only so the call still carries remote audio and video.
func (s *deviceSource) Acquire(kind proto.CallKind) (LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(s.opts.DisconnectedTimeout, s.opts.FailedTimeout, s.opts.KeepaliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL: no media devices found by pion/mediadevices")
	} else {
		for _, d := range devices {
			log.Printf("CALL: media device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track can't be opened. For a
	// video call try video+audio first, then each alone, so a missing or
	// busy microphone doesn't prevent the camera from working and vice
	// versa. Audio calls never open the camera.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var attempts []attempt
	if kind == proto.CallVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	} else {
		attempts = []attempt{{false, true, "audio-only"}}
	}

	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node
				// that produces malformed JPEG frames, which poisons the
				// VP8 encoder. Raw formats only.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				// Cap at 640x480: higher resolutions increase VP8
				// encoding latency.
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL: GetUserMedia (%s) failed: %v", a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL: local track ended: %v", err)
				}
			})
		}
		log.Printf("CALL: local media captured (%s), %d tracks", a.label, len(tracks))
		return &deviceMedia{api: api, tracks: tracks}, nil
	}

	log.Printf("CALL: all media capture attempts failed, proceeding receive-only")
	return &deviceMedia{api: api}, nil
}

// deviceMedia holds captured tracks plus the API configured for their
// codecs.
type deviceMedia struct {
	api    *webrtc.API
	tracks []mediadevices.Track
}

func (m *deviceMedia) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return m.api.NewPeerConnection(cfg)
}

// AttachTo adds the captured tracks and fills any missing kind with a
// recvonly transceiver so the remote side can still send that media.
func (m *deviceMedia) AttachTo(pc *webrtc.PeerConnection) {
	if len(m.tracks) == 0 {
		addRecvOnlyTransceivers(pc)
		return
	}
	var haveVideo, haveAudio bool
	for _, track := range m.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Printf("CALL: AddTrack error: %v", err)
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		}
	}
	if !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(video) error: %v", err)
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Printf("CALL: AddTransceiver(audio) error: %v", err)
		}
	}
}

// SetAudioEnabled is tracked by the machine; mediadevices tracks expose no
// pause control, so the flag is advisory here.
func (m *deviceMedia) SetAudioEnabled(on bool) {}

func (m *deviceMedia) SetVideoEnabled(on bool) {}

func (m *deviceMedia) Stop() {
	for _, t := range m.tracks {
		if err := t.Close(); err != nil {
			log.Printf("CALL: close track: %v", err)
		}
	}
	m.tracks = nil
}
