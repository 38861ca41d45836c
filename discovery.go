package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cwsl/weathermap/processing/channels"
	"github.com/grandcat/zeroconf"
	"github.com/hashicorp/go-version"
)

// Discoverer finds the sources to run
type Discoverer interface {
	// Discover returns exactly count sources, ordered by name, or a
	// *ConfigurationError if a different number was found.
	Discover(ctx context.Context, count int) ([]SourceInfo, error)
}

// NewDiscoverer returns the discoverer selected by discovery.mode
func NewDiscoverer(config *Config) (Discoverer, error) {
	switch config.Discovery.Mode {
	case "synthetic":
		return &SyntheticDiscoverer{config: config.Acquisition.Synthetic, triggers: config.Feedback.TriggerChannels}, nil
	case "static":
		return &StaticDiscoverer{sources: config.Discovery.Sources, triggers: config.Feedback.TriggerChannels}, nil
	case "mdns":
		return NewMDNSDiscoverer(config.Discovery)
	default:
		return nil, &ConfigurationError{Field: "discovery.mode", Reason: fmt.Sprintf("unknown mode %q", config.Discovery.Mode)}
	}
}

// checkCount enforces that discovery found exactly the requested number of sources
func checkCount(found []SourceInfo, count int) error {
	if len(found) != count {
		names := make([]string, len(found))
		for i, s := range found {
			names[i] = s.Name
		}
		return &ConfigurationError{
			Field:  "feedback.sources",
			Reason: fmt.Sprintf("requested %d source(s) but discovered %d %v", count, len(found), names),
		}
	}
	return nil
}

// markTriggers sets the trigger role on channels named in triggers
func markTriggers(layout channels.Layout, triggers []string) channels.Layout {
	for i, ch := range layout {
		for _, name := range triggers {
			if ch.Name == name {
				layout[i].Role = channels.RoleTrigger
			}
		}
	}
	return layout
}

// StaticDiscoverer returns the sources listed in the configuration
type StaticDiscoverer struct {
	sources  []SourceConfig
	triggers []string
}

func (sd *StaticDiscoverer) Discover(ctx context.Context, count int) ([]SourceInfo, error) {
	found := make([]SourceInfo, 0, len(sd.sources))
	for _, sc := range sd.sources {
		found = append(found, SourceInfo{
			Name:       sc.Name,
			Address:    sc.Address,
			SSRC:       sc.SSRC,
			SampleRate: sc.SampleRate,
			Layout:     markTriggers(channels.NewLayout(sc.Channels, sc.Roles), sd.triggers),
		})
	}
	if err := checkCount(found, count); err != nil {
		return nil, err
	}
	return found, nil
}

// SyntheticDiscoverer invents count sources sharing the synthetic signal settings
type SyntheticDiscoverer struct {
	config   SyntheticConfig
	triggers []string
}

func (sd *SyntheticDiscoverer) Discover(ctx context.Context, count int) ([]SourceInfo, error) {
	found := make([]SourceInfo, count)
	for i := range found {
		found[i] = SourceInfo{
			Name:       fmt.Sprintf("synthetic-%d", i+1),
			SampleRate: sd.config.SampleRate,
			Layout:     markTriggers(channels.NewLayout(sd.config.Channels, nil), sd.triggers),
		}
	}
	if err := checkCount(found, count); err != nil {
		return nil, err
	}
	return found, nil
}

// MDNSDiscoverer browses for streams announced over multicast DNS.
// Each announcement carries its format in TXT records:
//
//	rate=256 channels=TRIGGER,Fp1,Fp2 roles=trigger,eeg,eeg
//	group=239.1.2.3:5004 ssrc=1234 proto=1.0
type MDNSDiscoverer struct {
	service    string
	domain     string
	prefix     string
	timeout    time.Duration
	constraint version.Constraints

	// browse is replaced in tests
	browse func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// NewMDNSDiscoverer creates a discoverer from the discovery settings
func NewMDNSDiscoverer(dc DiscoveryConfig) (*MDNSDiscoverer, error) {
	constraint, err := version.NewConstraint(dc.Protocol)
	if err != nil {
		return nil, &ConfigurationError{Field: "discovery.protocol", Reason: "is not a version constraint", Err: err}
	}
	return &MDNSDiscoverer{
		service:    dc.Service,
		domain:     dc.Domain,
		prefix:     dc.Prefix,
		timeout:    time.Duration(dc.BrowseTimeout) * time.Second,
		constraint: constraint,
		browse:     zeroconfBrowse,
	}, nil
}

func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

func (md *MDNSDiscoverer) Discover(ctx context.Context, count int) ([]SourceInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, md.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := md.browse(ctx, md.service, md.domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse mDNS services: %w", err)
	}

	log.Printf("Discovery: browsing %s.%s for %v", md.service, md.domain, md.timeout)

	byName := make(map[string]SourceInfo)
collect:
	for {
		select {
		case <-ctx.Done():
			break collect
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if entry == nil {
				continue
			}
			source, err := md.accept(entry)
			if err != nil {
				if DebugMode {
					log.Printf("DEBUG: Discovery: ignoring %s: %v", entry.Instance, err)
				}
				continue
			}
			if _, seen := byName[source.Name]; !seen {
				log.Printf("Discovery: found %s (%d channels @ %g Hz, group %s)",
					source.Name, len(source.Layout), source.SampleRate, source.Address)
			}
			byName[source.Name] = source
		}
	}

	found := make([]SourceInfo, 0, len(byName))
	for _, s := range byName {
		found = append(found, s)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })

	if err := checkCount(found, count); err != nil {
		return nil, err
	}
	return found, nil
}

// accept filters an announcement and converts it to a SourceInfo
func (md *MDNSDiscoverer) accept(entry *zeroconf.ServiceEntry) (SourceInfo, error) {
	if md.prefix != "" && !strings.HasPrefix(entry.Instance, md.prefix) {
		return SourceInfo{}, fmt.Errorf("name does not start with %q", md.prefix)
	}

	source, err := sourceFromEntry(entry)
	if err != nil {
		return SourceInfo{}, err
	}

	if source.Protocol != "" {
		v, err := version.NewVersion(source.Protocol)
		if err != nil {
			return SourceInfo{}, fmt.Errorf("bad proto %q: %w", source.Protocol, err)
		}
		if !md.constraint.Check(v) {
			return SourceInfo{}, fmt.Errorf("proto %s does not satisfy %s", v, md.constraint)
		}
	}
	return source, nil
}

// sourceFromEntry parses the TXT records of an announcement
func sourceFromEntry(entry *zeroconf.ServiceEntry) (SourceInfo, error) {
	txt := make(map[string]string)
	for _, record := range entry.Text {
		if k, v, ok := strings.Cut(record, "="); ok {
			txt[strings.ToLower(k)] = v
		}
	}

	source := SourceInfo{
		Name:     entry.Instance,
		Protocol: txt["proto"],
	}
	if len(entry.AddrIPv4) > 0 {
		source.Host = entry.AddrIPv4[0].String()
	}

	rate, err := strconv.ParseFloat(txt["rate"], 64)
	if err != nil || !(rate > 0) {
		return SourceInfo{}, fmt.Errorf("missing or invalid rate %q", txt["rate"])
	}
	source.SampleRate = rate

	if txt["channels"] == "" {
		return SourceInfo{}, fmt.Errorf("missing channels")
	}
	names := strings.Split(txt["channels"], ",")
	var roles []string
	if txt["roles"] != "" {
		roles = strings.Split(txt["roles"], ",")
	}
	source.Layout = channels.NewLayout(names, roles)

	if ssrc := txt["ssrc"]; ssrc != "" {
		v, err := strconv.ParseUint(ssrc, 10, 32)
		if err != nil {
			return SourceInfo{}, fmt.Errorf("invalid ssrc %q: %w", ssrc, err)
		}
		source.SSRC = uint32(v)
	}

	source.Address = txt["group"]
	if source.Address == "" {
		source.Address = net.JoinHostPort(makeMaddr(entry.Instance), strconv.Itoa(entry.Port))
	}
	return source, nil
}
