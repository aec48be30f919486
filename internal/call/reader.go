package call

import (
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// drainTrack consumes RTP from a remote track until the connection closes.
// Without a reader the receive buffer fills and Pion stalls the transport.
// Video tracks also get a periodic PLI so the sender refreshes keyframes
// after loss.
func (l *pionLink) drainTrack(track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go l.keyframeLoop(track.SSRC())
	}

	var packets, bytes uint64
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			break
		}
		packets++
		bytes += uint64(len(pkt.Payload))
	}
	log.Printf("CALL [%s]: %s track done: %d packets, %d payload bytes",
		l.remote, track.Kind(), packets, bytes)
}

// keyframeLoop sends a PictureLossIndication for the video SSRC every few
// seconds until the link closes.
func (l *pionLink) keyframeLoop(ssrc webrtc.SSRC) {
	t := time.NewTicker(3 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-l.closed:
			return
		case <-t.C:
			err := l.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
			})
			if err != nil {
				return
			}
		}
	}
}
