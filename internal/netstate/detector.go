package netstate

import (
	"net"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/summitcomms/summit-stream/internal/endpoint"
)

// carrier-grade NAT, RFC 6598
var cgnatNet = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// name prefixes used by modem and cellular data links
var cellularPrefixes = []string{"wwan", "wwp", "rmnet", "ccmni", "pdp", "ppp"}

type detector struct {
	interfaces func() ([]Interface, error)
	outbound   func() net.IP
}

func NewDetector() Detector {
	return &detector{
		interfaces: systemInterfaces,
		outbound:   preferredOutboundIP,
	}
}

func (d *detector) Attachment() endpoint.Attachment {
	attachment, _ := d.classify()
	return attachment
}

func (d *detector) LocalAddress() (string, bool) {
	_, ip := d.classify()
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

func (d *detector) classify() (endpoint.Attachment, net.IP) {
	ifaces, err := d.interfaces()
	if err != nil {
		log.WithError(err).Warn("failed to list network interfaces")
		return endpoint.AttachmentUnattached, nil
	}
	return Classify(ifaces, d.outbound())
}

// Classify decides the attachment from the interface that owns the primary
// address. When primary is nil the first usable address is taken instead.
func Classify(ifaces []Interface, primary net.IP) (endpoint.Attachment, net.IP) {
	var owner *Interface
	if primary != nil {
		owner = ownerOf(ifaces, primary)
	}
	if primary == nil || !usable(primary) {
		owner, primary = firstUsable(ifaces)
	}
	if primary == nil {
		return endpoint.AttachmentUnattached, nil
	}

	if owner != nil && isCellular(owner.Name) {
		return endpoint.AttachmentWideAreaNetwork, primary
	}
	if cgnatNet.Contains(primary) {
		return endpoint.AttachmentWideAreaNetwork, primary
	}
	return endpoint.AttachmentLocalAreaNetwork, primary
}

func isCellular(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range cellularPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func usable(ip net.IP) bool {
	return !(ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast())
}

func ownerOf(ifaces []Interface, ip net.IP) *Interface {
	for i := range ifaces {
		for _, addr := range ifaces[i].Addrs {
			if addr.Equal(ip) {
				return &ifaces[i]
			}
		}
	}
	return nil
}

// IPv4 wins over IPv6 so the advertised URL works for the widest set of players.
func firstUsable(ifaces []Interface) (*Interface, net.IP) {
	var (
		v6owner *Interface
		v6      net.IP
	)
	for i := range ifaces {
		iface := &ifaces[i]
		if !iface.Up || iface.Loopback {
			continue
		}
		for _, addr := range iface.Addrs {
			if !usable(addr) {
				continue
			}
			if v4 := addr.To4(); v4 != nil {
				return iface, v4
			}
			if v6 == nil {
				v6owner, v6 = iface, addr
			}
		}
	}
	return v6owner, v6
}

func systemInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		entry := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			if ip := addrToIP(a); ip != nil {
				entry.Addrs = append(entry.Addrs, ip)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

func addrToIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// preferredOutboundIP asks the kernel which source address it would use to
// reach a public host. UDP dialing sends no packets.
func preferredOutboundIP() net.IP {
	for _, target := range []struct{ network, addr string }{
		{"udp4", "8.8.8.8:80"},
		{"udp6", "[2001:4860:4860::8888]:80"},
	} {
		conn, err := net.Dial(target.network, target.addr)
		if err != nil {
			continue
		}
		local, ok := conn.LocalAddr().(*net.UDPAddr)
		_ = conn.Close()
		if ok {
			return local.IP
		}
	}
	return nil
}
