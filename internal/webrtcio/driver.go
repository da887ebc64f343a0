package webrtcio

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// InTopic carries 16 kHz mic PCM16 decoded from the browser's inbound
// Opus track. AudioOutTopic is the TTS adapter's own output chain;
// this driver subscribes to it directly rather than a separate
// audio.out mixing stage, since tts.audio is the only producer of
// agent-voiced PCM in this deployment.
const (
	InTopic       bus.Topic = "audio.in"
	AudioOutTopic bus.Topic = "tts.audio"
	ASRPartial    bus.Topic = "asr.partial"
)

// SessionDescription is a transport DTO so callers don't need to
// import the pion/webrtc package to exchange SDP.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Driver answers WebRTC offers and bridges each resulting peer
// connection's audio tracks onto the bus. One Driver serves any
// number of concurrent calls; each HandleOffer call is an independent
// session with its own goroutines, torn down when the connection
// closes.
type Driver struct {
	b   bus.Bus
	log zerolog.Logger
}

// NewDriver returns a Driver publishing mic audio and relaying TTS
// audio through b.
func NewDriver(b bus.Bus, log zerolog.Logger) *Driver {
	return &Driver{b: b, log: log}
}

// HandleOffer accepts a browser's SDP offer, wires the resulting peer
// connection to the bus, and returns the SDP answer.
func (d *Driver) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("webrtcio: invalid offer")
	}

	callID := time.Now().Format("0102150405.000")
	log := d.log.With().Str("call_id", callID).Logger()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent")
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}

	sessCtx, cancel := context.WithCancel(ctx)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				d.bargeIn(sessCtx, log)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			cancel()
			_ = pc.Close()
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Error().Err(err).Msg("opus encoder init failed")
			return
		}
		go d.playTTSAudio(sessCtx, paced, log)

		dec, err := opus.NewDecoder(16000, 1)
		if err != nil {
			log.Error().Err(err).Msg("opus decoder init failed")
			return
		}
		d.readMic(sessCtx, remote, dec, log)

		paced.FlushTail()
		time.AfterFunc(400*time.Millisecond, paced.Close)
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("webrtcio: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// readMic decodes inbound RTP into 16kHz PCM16LE and publishes it in
// fixed-size chunks as a revision chain on audio.in.
func (d *Driver) readMic(ctx context.Context, remote *webrtc.TrackRemote, dec *opus.Decoder, log zerolog.Logger) {
	const chunkBytes = 3200 // 100ms at 16kHz mono PCM16
	pcmSamples := make([]int16, 1920)
	buf := make([]byte, 0, chunkBytes*4)

	var last iu.IU
	hasChain := false

	publish := func(chunk []byte) {
		var out iu.IU
		if !hasChain {
			out = iu.New("webrtcio", iu.Audio, chunk, nil)
			hasChain = true
		} else {
			out = iu.NewRevision("webrtcio", last, chunk, nil)
		}
		last = out
		if err := d.b.Publish(ctx, InTopic, out); err != nil {
			log.Error().Err(err).Msg("publish audio.in failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcmSamples)
		if err != nil {
			log.Warn().Err(err).Msg("opus decode failed")
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+chunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[startLen+i*2:], uint16(pcmSamples[i]))
		}
		for len(buf) >= chunkBytes {
			chunk := make([]byte, chunkBytes)
			copy(chunk, buf[:chunkBytes])
			publish(chunk)
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// playTTSAudio subscribes to the TTS adapter's output chain and feeds
// every ADD's PCM into the paced writer; a REVOKE clears whatever is
// already queued within the next pacer tick.
func (d *Driver) playTTSAudio(ctx context.Context, paced *OpusPacedWriter, log zerolog.Logger) {
	ch, err := d.b.Subscribe(ctx, AudioOutTopic)
	if err != nil {
		log.Error().Err(err).Msg("subscribe tts.audio failed")
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.UpdateType {
			case iu.Add:
				paced.WritePCM(msg.Payload)
			case iu.Revoke:
				paced.Reset()
			case iu.Commit:
				paced.FlushTail()
			}
		case <-ctx.Done():
			return
		}
	}
}

// bargeIn publishes a synthetic ASR_TOKEN ADD so the Dialogue
// Controller treats the control channel's stop command exactly like
// user speech arriving mid-SPEAKING, triggering its existing barge-in
// path without adding a second one.
func (d *Driver) bargeIn(ctx context.Context, log zerolog.Logger) {
	msg := iu.New("webrtcio", iu.AsrToken, nil, map[string]any{"source": "control-channel", "stability": 1.0})
	if err := d.b.Publish(ctx, ASRPartial, msg); err != nil {
		log.Error().Err(err).Msg("publish control barge-in failed")
	}
}
