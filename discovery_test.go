package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cwsl/weathermap/processing/channels"
	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func announcement(instance string, port int, txt ...string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, "_eegstream._udp", "local.")
	entry.Port = port
	entry.Text = txt
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	return entry
}

// fakeBrowse delivers entries and then ends the browse
func fakeBrowse(entries ...*zeroconf.ServiceEntry) func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		go func() {
			defer close(out)
			for _, e := range entries {
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func newTestMDNS(t *testing.T, prefix string, entries ...*zeroconf.ServiceEntry) *MDNSDiscoverer {
	t.Helper()
	dc := DefaultConfig().Discovery
	dc.Mode = "mdns"
	dc.Prefix = prefix
	md, err := NewMDNSDiscoverer(dc)
	require.NoError(t, err)
	md.timeout = time.Second
	md.browse = fakeBrowse(entries...)
	return md
}

func TestSyntheticDiscoverer(t *testing.T) {
	config := DefaultConfig()
	config.Feedback.Sources = 3
	d, err := NewDiscoverer(config)
	require.NoError(t, err)

	found, err := d.Discover(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "synthetic-1", found[0].Name)
	assert.Equal(t, "synthetic-3", found[2].Name)
	assert.Equal(t, 256.0, found[0].SampleRate)
	assert.Equal(t, 0, found[0].Layout.IndexOfRole(channels.RoleTrigger))
}

func TestStaticDiscovererCountMismatch(t *testing.T) {
	config := DefaultConfig()
	config.Discovery.Mode = "static"
	config.Discovery.Sources = []SourceConfig{
		{Name: "amp-1", SampleRate: 500, Channels: []string{"TRIGGER", "Cz"}, Roles: []string{"", "eeg"}},
	}
	d, err := NewDiscoverer(config)
	require.NoError(t, err)

	found, err := d.Discover(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, channels.RoleTrigger, found[0].Layout[0].Role, "configured trigger names are marked")

	_, err = d.Discover(context.Background(), 2)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "feedback.sources", configErr.Field)
	assert.Contains(t, configErr.Reason, "requested 2 source(s) but discovered 1")
}

func TestNewDiscovererUnknownMode(t *testing.T) {
	config := DefaultConfig()
	config.Discovery.Mode = "carrier-pigeon"
	_, err := NewDiscoverer(config)
	var configErr *ConfigurationError
	assert.ErrorAs(t, err, &configErr)
}

func TestMDNSDiscover(t *testing.T) {
	md := newTestMDNS(t, "WS-",
		announcement("WS-beta", 5004, "rate=256", "channels=TRIGGER,Fp1,Fp2", "roles=trigger,eeg,eeg", "group=239.1.2.3:5004", "ssrc=42", "proto=1.2"),
		announcement("WS-alpha", 5006, "rate=500", "channels=Cz,Pz"),
		announcement("other", 5008, "rate=256", "channels=Cz"),
		announcement("WS-future", 5010, "rate=256", "channels=Cz", "proto=2.0"),
		announcement("WS-broken", 5012, "channels=Cz"),
		// Re-announcement is counted once
		announcement("WS-alpha", 5006, "rate=500", "channels=Cz,Pz"),
	)

	found, err := md.Discover(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, found, 2)

	alpha, beta := found[0], found[1]
	assert.Equal(t, "WS-alpha", alpha.Name)
	assert.Equal(t, 500.0, alpha.SampleRate)
	assert.Equal(t, []string{"Cz", "Pz"}, alpha.Layout.Names())
	assert.Equal(t, makeMaddr("WS-alpha")+":5006", alpha.Address)
	assert.Equal(t, "192.168.1.20", alpha.Host)

	assert.Equal(t, "WS-beta", beta.Name)
	assert.Equal(t, "239.1.2.3:5004", beta.Address)
	assert.Equal(t, uint32(42), beta.SSRC)
	assert.Equal(t, "1.2", beta.Protocol)
	assert.Equal(t, channels.RoleTrigger, beta.Layout[0].Role)
	assert.Equal(t, channels.RoleSignal, beta.Layout[1].Role)
}

func TestMDNSDiscoverCountMismatch(t *testing.T) {
	md := newTestMDNS(t, "",
		announcement("WS-a", 5004, "rate=256", "channels=Cz"),
	)

	_, err := md.Discover(context.Background(), 2)
	var configErr *ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.Contains(t, configErr.Reason, "WS-a")
}

func TestSourceFromEntry(t *testing.T) {
	_, err := sourceFromEntry(announcement("x", 1, "rate=abc", "channels=Cz"))
	assert.ErrorContains(t, err, "rate")

	_, err = sourceFromEntry(announcement("x", 1, "rate=256"))
	assert.ErrorContains(t, err, "channels")

	_, err = sourceFromEntry(announcement("x", 1, "rate=256", "channels=Cz", "ssrc=-1"))
	assert.ErrorContains(t, err, "ssrc")

	src, err := sourceFromEntry(announcement("x", 1, "RATE=128", "Channels=A,B"))
	require.NoError(t, err)
	assert.Equal(t, 128.0, src.SampleRate, "keys are case-insensitive")
	assert.Equal(t, []string{"A", "B"}, src.Layout.Names())
}

func TestNewMDNSDiscovererBadConstraint(t *testing.T) {
	dc := DefaultConfig().Discovery
	dc.Protocol = "~> what"
	_, err := NewMDNSDiscoverer(dc)
	var configErr *ConfigurationError
	assert.ErrorAs(t, err, &configErr)
}
