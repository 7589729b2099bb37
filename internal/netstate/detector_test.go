package netstate

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/summitcomms/summit-stream/internal/endpoint"
)

func ips(addrs ...string) []net.IP {
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.ParseIP(a))
	}
	return out
}

var loopback = Interface{Name: "lo", Up: true, Loopback: true, Addrs: ips("127.0.0.1", "::1")}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		ifaces  []Interface
		primary string
		want    endpoint.Attachment
		addr    string
	}{
		{
			name:    "wifi private address",
			ifaces:  []Interface{loopback, {Name: "wlan0", Up: true, Addrs: ips("192.168.1.20", "fe80::1")}},
			primary: "192.168.1.20",
			want:    endpoint.AttachmentLocalAreaNetwork,
			addr:    "192.168.1.20",
		},
		{
			name:    "cellular interface",
			ifaces:  []Interface{loopback, {Name: "rmnet_data0", Up: true, Addrs: ips("10.120.4.9")}},
			primary: "10.120.4.9",
			want:    endpoint.AttachmentWideAreaNetwork,
			addr:    "10.120.4.9",
		},
		{
			name:    "carrier grade nat on ethernet",
			ifaces:  []Interface{{Name: "eth0", Up: true, Addrs: ips("100.72.1.1")}},
			primary: "100.72.1.1",
			want:    endpoint.AttachmentWideAreaNetwork,
			addr:    "100.72.1.1",
		},
		{
			name:   "no outbound route picks first usable ipv4",
			ifaces: []Interface{loopback, {Name: "eth0", Up: true, Addrs: ips("fe80::2", "2001:db8::5", "172.16.0.4")}},
			want:   endpoint.AttachmentLocalAreaNetwork,
			addr:   "172.16.0.4",
		},
		{
			name:   "ipv6 only",
			ifaces: []Interface{{Name: "wwan0", Up: true, Addrs: ips("fe80::2", "2001:db8::5")}},
			want:   endpoint.AttachmentWideAreaNetwork,
			addr:   "2001:db8::5",
		},
		{
			name:   "down interfaces only",
			ifaces: []Interface{loopback, {Name: "wlan0", Up: false, Addrs: ips("192.168.1.20")}},
			want:   endpoint.AttachmentUnattached,
		},
		{
			name:   "nothing at all",
			ifaces: nil,
			want:   endpoint.AttachmentUnattached,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var primary net.IP
			if tt.primary != "" {
				primary = net.ParseIP(tt.primary)
			}
			got, ip := Classify(tt.ifaces, primary)
			assert.Equal(t, tt.want, got)
			if tt.addr == "" {
				assert.Nil(t, ip)
				return
			}
			require.NotNil(t, ip)
			assert.Equal(t, tt.addr, ip.String())
		})
	}
}

func TestDetectorLocalAddress(t *testing.T) {
	d := &detector{
		interfaces: func() ([]Interface, error) {
			return []Interface{{Name: "wlan0", Up: true, Addrs: ips("192.168.8.3")}}, nil
		},
		outbound: func() net.IP { return net.ParseIP("192.168.8.3") },
	}

	addr, ok := d.LocalAddress()
	assert.True(t, ok)
	assert.Equal(t, "192.168.8.3", addr)
	assert.Equal(t, endpoint.AttachmentLocalAreaNetwork, d.Attachment())
}

func TestDetectorInterfaceError(t *testing.T) {
	d := &detector{
		interfaces: func() ([]Interface, error) { return nil, errors.New("boom") },
		outbound:   func() net.IP { return nil },
	}

	_, ok := d.LocalAddress()
	assert.False(t, ok)
	assert.Equal(t, endpoint.AttachmentUnattached, d.Attachment())
}

func TestWithMode(t *testing.T) {
	base := &detector{
		interfaces: func() ([]Interface, error) {
			return []Interface{{Name: "wlan0", Up: true, Addrs: ips("192.168.8.3")}}, nil
		},
		outbound: func() net.IP { return nil },
	}

	d, err := WithMode(base, "auto")
	require.NoError(t, err)
	assert.Same(t, base, d)

	d, err = WithMode(base, "wan")
	require.NoError(t, err)
	assert.Equal(t, endpoint.AttachmentWideAreaNetwork, d.Attachment())
	addr, ok := d.LocalAddress()
	assert.True(t, ok)
	assert.Equal(t, "192.168.8.3", addr)

	_, err = WithMode(base, "satellite")
	assert.Error(t, err)
}
