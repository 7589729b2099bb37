package ingest

import (
	"errors"
	"fmt"
	"os"

	"github.com/pion/sdp/v3"
)

var ErrNoTracks = errors.New("session description has no media")

const DefaultPort = 5004

// Track is one RTP flow received on a local UDP port.
type Track struct {
	Port        int
	Description *sdp.MediaDescription
}

// LoadSDP reads the description a publisher wrote for its RTP output, e.g.
// `ffmpeg ... -f rtp rtp://127.0.0.1:5004 -sdp_file stream.sdp`.
func LoadSDP(path string) ([]Track, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sdp file: %w", err)
	}
	return ParseSDP(b)
}

func ParseSDP(b []byte) ([]Track, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("failed to parse sdp: %w", err)
	}

	var tracks []Track
	for _, md := range desc.MediaDescriptions {
		port := md.MediaName.Port.Value
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("media %s has no usable port", md.MediaName.Media)
		}
		tracks = append(tracks, Track{Port: port, Description: md})
	}
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}
	return tracks, nil
}

// DefaultTracks assumes a single H264 video flow on port.
func DefaultTracks(port int) []Track {
	return []Track{{
		Port: port,
		Description: &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   "video",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"96"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "96 H264/90000"},
				{Key: "fmtp", Value: "96 packetization-mode=1"},
			},
		},
	}}
}

func Descriptions(tracks []Track) []*sdp.MediaDescription {
	out := make([]*sdp.MediaDescription, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Description)
	}
	return out
}
