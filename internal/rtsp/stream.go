package rtsp

import (
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	log "github.com/sirupsen/logrus"
)

const defaultClockRate = 90000

type outTrack struct {
	channel  uint8
	rtcp     uint8
	seq      uint16
	packets  uint32
	octets   uint32
	lastRTP  uint32
	lastSent time.Time
}

type subscriber struct {
	playing bool
	write   func(channel uint8, payload []byte) error
	tracks  map[int]*outTrack
}

type stream struct {
	sync.Mutex
	name        string
	tracks      []*sdp.MediaDescription
	clockRates  []uint32
	ssrc        []uint32
	subscribers map[string]*subscriber
}

type delivery struct {
	write   func(channel uint8, payload []byte) error
	channel uint8
	payload []byte
}

func newStream(name string, tracks []*sdp.MediaDescription) *stream {
	s := &stream{
		name:        name,
		tracks:      tracks,
		clockRates:  make([]uint32, len(tracks)),
		ssrc:        make([]uint32, len(tracks)),
		subscribers: make(map[string]*subscriber),
	}
	for i, md := range tracks {
		s.clockRates[i] = clockRate(md)
		// one SSRC per track for the life of the stream so publisher
		// restarts stay invisible to players
		s.ssrc[i] = rand.Uint32()
	}
	return s
}

func (s *stream) Name() string {
	return s.name
}

func (s *stream) Publish(track int, packet *rtp.Packet) {
	if packet == nil || track < 0 || track >= len(s.tracks) {
		return
	}

	s.Lock()
	now := time.Now()
	out := make([]delivery, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		t, ok := sub.tracks[track]
		if !ok || !sub.playing {
			continue
		}
		p := *packet
		t.seq++
		p.SequenceNumber = t.seq
		p.SSRC = s.ssrc[track]
		b, err := p.Marshal()
		if err != nil {
			continue
		}
		t.packets++
		t.octets += uint32(len(p.Payload))
		t.lastRTP = p.Timestamp
		t.lastSent = now
		out = append(out, delivery{write: sub.write, channel: t.channel, payload: b})
	}
	s.Unlock()

	for _, d := range out {
		if err := d.write(d.channel, d.payload); err != nil {
			log.WithError(err).WithField("stream", s.name).Debug("dropping packet for subscriber")
		}
	}
}

func (s *stream) attach(sessionID string, track int, channel, rtcp uint8, write func(channel uint8, payload []byte) error) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subscribers[sessionID]
	if !ok {
		sub = &subscriber{write: write, tracks: make(map[int]*outTrack)}
		s.subscribers[sessionID] = sub
	}
	sub.tracks[track] = &outTrack{
		channel: channel,
		rtcp:    rtcp,
		seq:     uint16(rand.Uint32()),
	}
}

func (s *stream) play(sessionID string) bool {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subscribers[sessionID]
	if ok {
		sub.playing = true
	}
	return ok
}

func (s *stream) teardown(sessionID string) {
	s.Lock()
	defer s.Unlock()
	delete(s.subscribers, sessionID)
}

// sendReports emits one RTCP sender report per active track per subscriber.
func (s *stream) sendReports(now time.Time) {
	s.Lock()
	out := make([]delivery, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		if !sub.playing {
			continue
		}
		for track, t := range sub.tracks {
			if t.packets == 0 {
				continue
			}
			elapsed := now.Sub(t.lastSent).Seconds()
			report := &rtcp.SenderReport{
				SSRC:        s.ssrc[track],
				NTPTime:     ntpTime(now),
				RTPTime:     t.lastRTP + uint32(elapsed*float64(s.clockRates[track])),
				PacketCount: t.packets,
				OctetCount:  t.octets,
			}
			b, err := report.Marshal()
			if err != nil {
				continue
			}
			out = append(out, delivery{write: sub.write, channel: t.rtcp, payload: b})
		}
	}
	s.Unlock()

	for _, d := range out {
		_ = d.write(d.channel, d.payload)
	}
}

// clockRate reads "96 H264/90000" style rtpmap attributes.
func clockRate(md *sdp.MediaDescription) uint32 {
	rtpmap, ok := md.Attribute("rtpmap")
	if !ok {
		return defaultClockRate
	}
	_, encoding, found := strings.Cut(rtpmap, " ")
	if !found {
		return defaultClockRate
	}
	parts := strings.Split(encoding, "/")
	if len(parts) < 2 {
		return defaultClockRate
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || rate == 0 {
		return defaultClockRate
	}
	return uint32(rate)
}

// seconds between the NTP epoch (1900) and the unix epoch
const ntpEpochOffset = 2208988800

func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}
