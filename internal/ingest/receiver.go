package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// large enough for any RTP packet over a 1500 byte MTU plus jumbo frames
const readBufferSize = 9000

var (
	ingestPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "ingest_packets_total",
		Namespace: "summit_stream",
		Help:      "rtp packets received from the publisher",
	}, []string{"track"})
	ingestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "ingest_errors_total",
		Namespace: "summit_stream",
		Help:      "datagrams dropped because they were not rtp",
	}, []string{"track"})
)

// Sink receives every parsed packet with the index of the track it arrived on.
type Sink interface {
	Publish(track int, packet *rtp.Packet)
}

type Receiver struct {
	host   string
	tracks []Track
}

func NewReceiver(host string, tracks []Track) *Receiver {
	return &Receiver{host: host, tracks: tracks}
}

// Listen binds every track's UDP port. Bind errors surface here, before any
// goroutine is started.
func (r *Receiver) Listen(ctx context.Context) ([]net.PacketConn, error) {
	conf := net.ListenConfig{}
	conns := make([]net.PacketConn, 0, len(r.tracks))
	for _, t := range r.tracks {
		addr := net.JoinHostPort(r.host, strconv.Itoa(t.Port))
		pc, err := conf.ListenPacket(ctx, "udp", addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("failed to listen for rtp on %s: %w", addr, err)
		}
		conns = append(conns, pc)
	}
	return conns, nil
}

// Serve reads conns[i] as track i and closes them when ctx ends.
func Serve(ctx context.Context, conns []net.PacketConn, sink Sink) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		for _, c := range conns {
			_ = c.Close()
		}
		return nil
	})
	for i, pc := range conns {
		i, pc := i, pc
		group.Go(func() error {
			return readTrack(ctx, i, pc, sink)
		})
	}
	return group.Wait()
}

func readTrack(ctx context.Context, track int, pc net.PacketConn, sink Sink) error {
	label := strconv.Itoa(track)
	logger := log.WithField("track", track).WithField("addr", pc.LocalAddr().String())
	logger.Info("waiting for rtp")

	buf := make([]byte, readBufferSize)
	first := true
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read rtp for track %d: %w", track, err)
		}

		packet := &rtp.Packet{}
		// the packet keeps slices into its input
		if err := packet.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			ingestErrors.WithLabelValues(label).Inc()
			continue
		}
		if first {
			logger.Infof("receiving rtp, payload type %d", packet.PayloadType)
			first = false
		}
		ingestPackets.WithLabelValues(label).Inc()
		sink.Publish(track, packet)
	}
}
