package netinfo

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routeSample = `Iface	Destination	Gateway 	Flags	RefCnt	Use	Metric	Mask		MTU	Window	IRTT
eth0	00000000	0101A8C0	0003	0	0	100	00000000	0	0	0
eth0	0001A8C0	00000000	0001	0	0	100	00FFFFFF	0	0	0
`

func TestParseDefaultRoute(t *testing.T) {
	gw := parseDefaultRoute(strings.NewReader(routeSample))
	// 0101A8C0 little-endian is 192.168.1.1
	assert.Equal(t, "192.168.1.1", gw)
}

func TestParseDefaultRouteAbsent(t *testing.T) {
	sample := "Iface\tDestination\tGateway\n" +
		"eth0\t0001A8C0\t00000000\t0001\t0\t0\t100\t00FFFFFF\t0\t0\t0\n"
	assert.Equal(t, "", parseDefaultRoute(strings.NewReader(sample)))
}

func TestParseResolvConf(t *testing.T) {
	sample := `# generated by dhcp
domain lights.example.com
nameserver 10.0.0.53
nameserver 10.0.0.54
; trailing comment
`
	domain, servers := parseResolvConf(strings.NewReader(sample))
	assert.Equal(t, "lights.example.com", domain)
	assert.Equal(t, []string{"10.0.0.53", "10.0.0.54"}, servers)
}

func TestParseResolvConfSearchFallback(t *testing.T) {
	sample := "search stage.example.com other.example.com\nnameserver 1.1.1.1\n"
	domain, servers := parseResolvConf(strings.NewReader(sample))
	assert.Equal(t, "stage.example.com", domain)
	assert.Equal(t, []string{"1.1.1.1"}, servers)
}

func TestCollect(t *testing.T) {
	info, err := Collect()
	require.NoError(t, err)
	assert.NotEmpty(t, info.Hostname)
	assert.NotNil(t, info.NameServers)
}
