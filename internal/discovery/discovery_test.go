package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"
)

func TestEndpointFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("checkboxes-a", Service, Domain)
	entry.Port = 8080
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"path=/grid"}

	ep, err := endpointFromEntry(entry)
	require.NoError(t, err)
	require.Equal(t, "ws://192.168.1.20:8080/grid", ep.URL())
}

func TestEndpointFromEntryIPv6(t *testing.T) {
	entry := zeroconf.NewServiceEntry("checkboxes-b", Service, Domain)
	entry.Port = 9000
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	ep, err := endpointFromEntry(entry)
	require.NoError(t, err)
	require.Equal(t, "ws://[fe80::1]:9000/ws", ep.URL())
}

func TestEndpointFromEntryWithoutAddress(t *testing.T) {
	entry := zeroconf.NewServiceEntry("checkboxes-c", Service, Domain)
	_, err := endpointFromEntry(entry)
	require.Error(t, err)

	_, err = endpointFromEntry(nil)
	require.ErrorIs(t, err, ErrNotFound)
}
