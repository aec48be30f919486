//go:build !linux

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/opsdesk/huddle/internal/proto"
)

// deviceSource on non-Linux platforms is receive-only. Camera/mic capture
// via pion/mediadevices needs platform drivers (V4L2/malgo on Linux).
type deviceSource struct {
	opts Options
}

// NewDeviceSource returns the platform media source.
func NewDeviceSource(opts Options) MediaSource {
	return &deviceSource{opts: opts}
}

func (s *deviceSource) Acquire(_ proto.CallKind) (LocalMedia, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

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

	log.Printf("CALL: no local capture on this platform, receive-only")
	return &recvOnlyMedia{api: api}, nil
}

type recvOnlyMedia struct {
	api *webrtc.API
}

func (m *recvOnlyMedia) NewPeerConnection(cfg webrtc.Configuration) (*webrtc.PeerConnection, error) {
	return m.api.NewPeerConnection(cfg)
}

func (m *recvOnlyMedia) AttachTo(pc *webrtc.PeerConnection) {
	addRecvOnlyTransceivers(pc)
}

func (m *recvOnlyMedia) SetAudioEnabled(on bool) {}
func (m *recvOnlyMedia) SetVideoEnabled(on bool) {}
func (m *recvOnlyMedia) Stop()                   {}
