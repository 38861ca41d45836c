package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"
)

// Binary Power Frame Format
// =========================
//
// Viewers that ask for binary frames receive one packet per cycle. Channel
// names are sent only when they change, so most packets carry just the
// values. All integers are little-endian; values are IEEE-754 float32.
//
// FULL HEADER FORMAT (first frame, or after the channel names changed):
// Offset | Size | Type    | Description
// -------|------|---------|--------------------------------------------
// 0      | 2    | uint16  | Magic: 0x5046 ("PF")
// 2      | 1    | uint8   | Version: 1
// 3      | 1    | uint8   | Format: 0=raw, 2=zstd
// 4      | 8    | uint64  | Cycle number
// 12     | 8    | uint64  | Wall clock time in milliseconds
// 20     | 4    | float32 | Calibration low (dB)
// 24     | 4    | float32 | Calibration high (dB)
// 28     | 2    | uint16  | Channel count N
// 30     | 1    | uint8   | Label length L
// 31     | L    | []byte  | Label
// ...    | N x  | u8+str  | Channel names, each prefixed with its length
// ...    | 4N   | float32 | Band power per channel (dB)
//
// VALUES HEADER FORMAT (names unchanged):
// 0      | 2    | uint16  | Magic: 0x5056 ("PV")
// 2      | 1    | uint8   | Version: 1
// 3      | 8    | uint64  | Cycle number
// 11     | 8    | uint64  | Wall clock time in milliseconds
// 19     | 4    | float32 | Calibration low (dB)
// 23     | 4    | float32 | Calibration high (dB)
// 27     | 2    | uint16  | Channel count N
// 29     | 1    | uint8   | Label length L
// 30     | L    | []byte  | Label
// ...    | 4N   | float32 | Band power per channel (dB)
//
// With format 2 the whole packet is zstd-compressed.

const (
	PowerFrameMagicFull   uint16 = 0x5046 // "PF"
	PowerFrameMagicValues uint16 = 0x5056 // "PV"

	PowerFrameVersion uint8 = 1

	PowerFormatUncompressed uint8 = 0
	PowerFormatZstd         uint8 = 2

	powerFullHeaderSize   = 31
	powerValuesHeaderSize = 30
)

// PowerFrame is one decoded cycle
type PowerFrame struct {
	Cycle     uint64
	Timestamp time.Time
	Bounds    Bounds
	Label     string
	Channels  []string
	PowerDB   []float64
}

// PowerFrameEncoder encodes frames for one viewer
type PowerFrameEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	encoderMu      sync.Mutex

	lastNames   []string
	packetCount uint64
}

// zstdEncoderPool provides reusable zstd encoders
var zstdEncoderPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

// NewPowerFrameEncoder creates an encoder; the first frame always carries names
func NewPowerFrameEncoder(useCompression bool) *PowerFrameEncoder {
	encoder := &PowerFrameEncoder{useCompression: useCompression}
	if useCompression {
		encoder.zstdEncoder = zstdEncoderPool.Get().(*zstd.Encoder)
	}
	return encoder
}

// Encode builds the packet for frame
func (e *PowerFrameEncoder) Encode(frame PowerFrame) ([]byte, error) {
	if len(frame.PowerDB) != len(frame.Channels) {
		return nil, fmt.Errorf("power frame has %d values for %d channels", len(frame.PowerDB), len(frame.Channels))
	}
	if len(frame.Channels) > math.MaxUint16 {
		return nil, fmt.Errorf("power frame has too many channels (%d)", len(frame.Channels))
	}
	label := truncateUTF8(frame.Label, math.MaxUint8)

	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	e.packetCount++

	var packet []byte
	if e.lastNames == nil || !equalStrings(e.lastNames, frame.Channels) {
		packet = e.buildFullPacket(frame, label)
		e.lastNames = append([]string{}, frame.Channels...)
	} else {
		packet = e.buildValuesPacket(frame, label)
	}

	if e.useCompression && e.zstdEncoder != nil {
		return e.zstdEncoder.EncodeAll(packet, make([]byte, 0, len(packet))), nil
	}
	return packet, nil
}

func (e *PowerFrameEncoder) buildFullPacket(frame PowerFrame, label string) []byte {
	size := powerFullHeaderSize + len(label) + 4*len(frame.PowerDB)
	for _, name := range frame.Channels {
		size += 1 + len(truncateUTF8(name, math.MaxUint8))
	}
	packet := make([]byte, size)

	binary.LittleEndian.PutUint16(packet[0:], PowerFrameMagicFull)
	packet[2] = PowerFrameVersion
	if e.useCompression {
		packet[3] = PowerFormatZstd
	} else {
		packet[3] = PowerFormatUncompressed
	}
	offset := 4 + putFrameHeader(packet[4:], frame, label)

	for _, name := range frame.Channels {
		name = truncateUTF8(name, math.MaxUint8)
		packet[offset] = byte(len(name))
		offset++
		offset += copy(packet[offset:], name)
	}
	putValues(packet[offset:], frame.PowerDB)
	return packet
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (e *PowerFrameEncoder) buildValuesPacket(frame PowerFrame, label string) []byte {
	packet := make([]byte, powerValuesHeaderSize+len(label)+4*len(frame.PowerDB))

	binary.LittleEndian.PutUint16(packet[0:], PowerFrameMagicValues)
	packet[2] = PowerFrameVersion
	offset := 3 + putFrameHeader(packet[3:], frame, label)
	putValues(packet[offset:], frame.PowerDB)
	return packet
}

// putFrameHeader writes the fields shared by both packet types and returns the bytes written
func putFrameHeader(buf []byte, frame PowerFrame, label string) int {
	binary.LittleEndian.PutUint64(buf[0:], frame.Cycle)
	binary.LittleEndian.PutUint64(buf[8:], uint64(frame.Timestamp.UnixMilli()))
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(float32(frame.Bounds.Low)))
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(float32(frame.Bounds.High)))
	binary.LittleEndian.PutUint16(buf[24:], uint16(len(frame.Channels)))
	buf[26] = byte(len(label))
	return 27 + copy(buf[27:], label)
}

func putValues(buf []byte, values []float64) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
}

// Close returns the zstd encoder to the pool
func (e *PowerFrameEncoder) Close() {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()
	if e.zstdEncoder != nil {
		zstdEncoderPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var errShortFrame = errors.New("power frame truncated")

// PowerFrameDecoder reverses PowerFrameEncoder, remembering names between packets
type PowerFrameDecoder struct {
	zstdDecoder *zstd.Decoder
	names       []string
}

// NewPowerFrameDecoder creates a decoder; compressed must match the encoder
func NewPowerFrameDecoder(compressed bool) (*PowerFrameDecoder, error) {
	d := &PowerFrameDecoder{}
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		d.zstdDecoder = dec
	}
	return d, nil
}

// Decode parses one packet
func (d *PowerFrameDecoder) Decode(packet []byte) (PowerFrame, error) {
	if d.zstdDecoder != nil {
		raw, err := d.zstdDecoder.DecodeAll(packet, nil)
		if err != nil {
			return PowerFrame{}, fmt.Errorf("failed to decompress power frame: %w", err)
		}
		packet = raw
	}
	if len(packet) < 3 {
		return PowerFrame{}, errShortFrame
	}
	if packet[2] != PowerFrameVersion {
		return PowerFrame{}, fmt.Errorf("unsupported power frame version %d", packet[2])
	}

	var offset int
	switch binary.LittleEndian.Uint16(packet) {
	case PowerFrameMagicFull:
		offset = 4
	case PowerFrameMagicValues:
		if d.names == nil {
			return PowerFrame{}, errors.New("values frame before any full frame")
		}
		offset = 3
	default:
		return PowerFrame{}, fmt.Errorf("bad power frame magic 0x%04x", binary.LittleEndian.Uint16(packet))
	}
	full := offset == 4

	if len(packet) < offset+27 {
		return PowerFrame{}, errShortFrame
	}
	buf := packet[offset:]
	frame := PowerFrame{
		Cycle:     binary.LittleEndian.Uint64(buf[0:]),
		Timestamp: time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[8:]))),
		Bounds: Bounds{
			Low:  float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[16:]))),
			High: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[20:]))),
		},
	}
	n := int(binary.LittleEndian.Uint16(buf[24:]))
	labelLen := int(buf[26])
	pos := 27
	if len(buf) < pos+labelLen {
		return PowerFrame{}, errShortFrame
	}
	frame.Label = string(buf[pos : pos+labelLen])
	pos += labelLen

	if full {
		names := make([]string, n)
		for i := range names {
			if len(buf) < pos+1 {
				return PowerFrame{}, errShortFrame
			}
			l := int(buf[pos])
			pos++
			if len(buf) < pos+l {
				return PowerFrame{}, errShortFrame
			}
			names[i] = string(buf[pos : pos+l])
			pos += l
		}
		d.names = names
	} else if n != len(d.names) {
		return PowerFrame{}, fmt.Errorf("values frame has %d channels, expected %d", n, len(d.names))
	}

	if len(buf) < pos+4*n {
		return PowerFrame{}, errShortFrame
	}
	frame.Channels = append([]string(nil), d.names...)
	frame.PowerDB = make([]float64, n)
	for i := range frame.PowerDB {
		frame.PowerDB[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[pos+4*i:])))
	}
	return frame, nil
}
