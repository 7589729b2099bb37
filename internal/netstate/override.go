package netstate

import (
	"strings"

	"github.com/summitcomms/summit-stream/internal/endpoint"
)

const ModeAuto = "auto"

type fixed struct {
	Detector
	attachment endpoint.Attachment
}

func (f *fixed) Attachment() endpoint.Attachment {
	return f.attachment
}

// WithMode pins the attachment reported by d unless mode is "auto" or empty.
// The local address still comes from d.
func WithMode(d Detector, mode string) (Detector, error) {
	if mode == "" || strings.EqualFold(mode, ModeAuto) {
		return d, nil
	}
	attachment, err := endpoint.ParseAttachment(mode)
	if err != nil {
		return nil, err
	}
	return &fixed{Detector: d, attachment: attachment}, nil
}
