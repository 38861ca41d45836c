package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cwsl/weathermap/processing/channels"
	"github.com/pion/rtp"
)

// RTP payload format for sample streams: consecutive frames, one big-endian
// IEEE-754 float32 per channel per frame, channels in layout order.
const bytesPerSample = 4

// RTPAcquisition receives a multi-channel sample stream from an RTP
// multicast group and keeps the most recent window in a ring.
type RTPAcquisition struct {
	source  SourceInfo
	conn    *net.UDPConn
	ring    *sampleRing
	window  *ringWindow
	metrics *PrometheusMetrics

	mu           sync.Mutex
	running      bool
	done         chan struct{}
	packetCount  uint64
	droppedCount uint64
}

// NewRTPAcquisition joins the source's multicast group and starts receiving
func NewRTPAcquisition(source SourceInfo, iface *net.Interface, winsize, timeout time.Duration, metrics *PrometheusMetrics) (*RTPAcquisition, error) {
	if !(source.SampleRate > 0) {
		return nil, fmt.Errorf("source %s: invalid sample rate %g", source.Name, source.SampleRate)
	}
	if len(source.Layout) == 0 {
		return nil, fmt.Errorf("source %s: empty channel layout", source.Name)
	}
	if n := windowSamples(winsize, source.SampleRate); n < 2 {
		return nil, &ConfigurationError{Field: "feedback.winsize", Reason: fmt.Sprintf("%v holds fewer than 2 samples at %g Hz for source %s", winsize, source.SampleRate, source.Name)}
	}

	addr, err := resolveMulticastAddr(source.Address)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", source.Name, err)
	}

	conn, err := setupDataSocket(addr, iface)
	if err != nil {
		return nil, fmt.Errorf("failed to setup data socket: %w", err)
	}

	ra := newRTPAcquisition(source, winsize, timeout, metrics)
	ra.conn = conn
	ra.running = true
	go ra.receiveLoop()

	log.Printf("RTP acquisition for %s listening on %s (ssrc %d, %d channels @ %g Hz)",
		source.Name, addr.String(), source.SSRC, len(source.Layout), source.SampleRate)
	return ra, nil
}

func newRTPAcquisition(source SourceInfo, winsize, timeout time.Duration, metrics *PrometheusMetrics) *RTPAcquisition {
	ring := newSampleRing(len(source.Layout), windowSamples(winsize, source.SampleRate))
	return &RTPAcquisition{
		source:  source,
		ring:    ring,
		window:  &ringWindow{source: source.Name, ring: ring, timeout: timeout},
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

func (ra *RTPAcquisition) SampleRate() float64 {
	return ra.source.SampleRate
}

func (ra *RTPAcquisition) ChannelLayout() channels.Layout {
	return ra.source.Layout
}

func (ra *RTPAcquisition) LatestWindow(ctx context.Context) ([][]float64, error) {
	return ra.window.latest(ctx)
}

// Close stops the receive loop and wakes any waiting reader
func (ra *RTPAcquisition) Close() error {
	ra.mu.Lock()
	wasRunning := ra.running
	ra.running = false
	ra.mu.Unlock()

	ra.ring.Close()
	if !wasRunning || ra.conn == nil {
		return nil
	}
	return ra.conn.Close()
}

func (ra *RTPAcquisition) isRunning() bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.running
}

// receiveLoop reads packets until the socket is closed
func (ra *RTPAcquisition) receiveLoop() {
	defer close(ra.done)
	buffer := make([]byte, 65536)

	for {
		n, _, err := ra.conn.ReadFromUDP(buffer)
		if err != nil {
			if !ra.isRunning() {
				break
			}
			log.Printf("Error reading UDP packet for %s: %v", ra.source.Name, err)
			continue
		}
		ra.handlePacket(buffer[:n])
	}

	if DebugMode {
		log.Printf("DEBUG: RTP receive loop for %s exited after %d packets (%d dropped)",
			ra.source.Name, ra.packetCount, ra.droppedCount)
	}
}

// handlePacket parses one datagram and appends its frames to the ring
func (ra *RTPAcquisition) handlePacket(data []byte) {
	if len(data) < 12 {
		if DebugMode {
			log.Printf("DEBUG: Received packet too small (%d bytes), skipping", len(data))
		}
		ra.drop("short")
		return
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		ra.drop("malformed")
		return
	}

	// Other streams may share the group
	if ra.source.SSRC != 0 && packet.SSRC != ra.source.SSRC {
		return
	}

	chunk, err := decodeFloat32Frames(packet.Payload, len(ra.source.Layout))
	if err != nil {
		if DebugMode {
			log.Printf("DEBUG: %s: %v", ra.source.Name, err)
		}
		ra.drop("payload")
		return
	}

	ra.ring.Append(chunk)
	ra.packetCount++
	ra.metrics.RecordRTPPacket(ra.source.Name)
}

func (ra *RTPAcquisition) drop(reason string) {
	ra.droppedCount++
	ra.metrics.RecordRTPDrop(ra.source.Name, reason)
}

// decodeFloat32Frames converts an interleaved payload into a channels x frames chunk.
// The payload is copied out; the caller may reuse its buffer.
func decodeFloat32Frames(payload []byte, numChannels int) ([][]float64, error) {
	frameSize := numChannels * bytesPerSample
	if numChannels < 1 || len(payload)%frameSize != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a whole number of %d-channel frames", len(payload), numChannels)
	}
	frames := len(payload) / frameSize

	chunk := make([][]float64, numChannels)
	for ch := range chunk {
		chunk[ch] = make([]float64, frames)
	}
	for f := 0; f < frames; f++ {
		base := f * frameSize
		for ch := 0; ch < numChannels; ch++ {
			bits := binary.BigEndian.Uint32(payload[base+ch*bytesPerSample:])
			chunk[ch][f] = float64(math.Float32frombits(bits))
		}
	}
	return chunk, nil
}
