// Package scale parses the line-oriented proprietary stream emitted by the
// weighing scales.
//
// The parser is pure with respect to its output: identical input bytes yield
// the identical packet sequence. It owns one bounded buffer per socket;
// callers release a buffer when its connection closes.
package scale

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// maxBufferSize caps a per-connection buffer. On overflow the head half
	// is dropped and a warning logged; the stream resynchronizes at the next
	// newline.
	maxBufferSize = 64 * 1024

	registrationLen = 8 // SCALE-NN
	heartbeatLit    = "HB"
	ackPromptLit    = "KONTROLLU AKTAR OK?"

	// minCSVFields is the least a weighing record can carry: PLU-old, time,
	// date, product, barcode, price code, operator, gross, tare, net.
	minCSVFields = 10
)

var (
	registrationPattern = regexp.MustCompile(`^SCALE-\d{2}$`)
	timePattern         = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
	datePattern         = regexp.MustCompile(`^\d{2}\.\d{2}\.\d{4}$`)
	barcodePattern      = regexp.MustCompile(`^\d{5,13}$`)
)

// Parser accumulates bytes per socket and extracts packets.
type Parser struct {
	mu      sync.Mutex
	buffers map[string][]byte
	logger  *zap.Logger
}

// New creates a parser. logger may be nil.
func New(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		buffers: make(map[string][]byte),
		logger:  logger.Named("parser"),
	}
}

// Parse appends data to the socket's buffer and extracts every complete
// packet at the head. Per-line parse failures are returned alongside the
// packets (as errors and Unknown packets); they are never fatal.
func (p *Parser) Parse(socketID string, data []byte) ([]Packet, []error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := append(p.buffers[socketID], data...)
	if len(buf) > maxBufferSize {
		p.logger.Warn("connection buffer overflow, truncating to tail half",
			zap.String("socket", socketID),
			zap.Int("size", len(buf)))
		buf = buf[len(buf)/2:]
	}

	var (
		packets []Packet
		errs    []error
	)
	for len(buf) > 0 {
		pkt, consumed, err := recognize(buf)
		if consumed == 0 {
			break // incomplete; wait for more bytes
		}
		buf = buf[consumed:]
		if err != nil {
			errs = append(errs, err)
		}
		if pkt != nil {
			packets = append(packets, pkt)
		}
	}

	p.buffers[socketID] = buf
	return packets, errs
}

// Release drops the buffer for a closed socket.
func (p *Parser) Release(socketID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buffers, socketID)
}

// BufferedBytes reports the current buffer size for a socket.
func (p *Parser) BufferedBytes(socketID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers[socketID])
}

// recognize tries to match one packet at the head of buf. It returns the
// packet (nil for a skipped blank line), the bytes consumed (0 means the
// head is incomplete and the caller must wait), and a per-line parse error.
func recognize(buf []byte) (Packet, int, error) {
	// Registration literal: exactly SCALE-NN.
	if len(buf) >= registrationLen && registrationPattern.Match(buf[:registrationLen]) {
		return Registration{ScaleNumber: string(buf[:registrationLen])}, registrationLen, nil
	}
	if len(buf) < registrationLen && couldBeRegistration(buf) {
		return nil, 0, nil
	}

	// Heartbeat literal.
	if bytes.HasPrefix(buf, []byte(heartbeatLit)) {
		return Heartbeat{}, len(heartbeatLit), nil
	}
	if len(buf) == 1 && buf[0] == 'H' {
		return nil, 0, nil
	}

	// Ack prompt literal.
	if bytes.HasPrefix(buf, []byte(ackPromptLit)) {
		return AckRequest{}, len(ackPromptLit), nil
	}
	if isPartialLiteral(buf, ackPromptLit) {
		return nil, 0, nil
	}

	// Otherwise a newline-terminated CSV record.
	idx, delimLen := findNewline(buf)
	if idx < 0 {
		return nil, 0, nil
	}
	consumed := idx + delimLen
	line := strings.TrimSpace(string(buf[:idx]))
	if line == "" {
		return nil, consumed, nil
	}
	w, err := parseWeighingLine(line)
	if err != nil {
		return Unknown{Reason: err.Error(), RawLine: line}, consumed, err
	}
	return w, consumed, nil
}

// isPartialLiteral reports whether buf is a strict prefix of lit.
func isPartialLiteral(buf []byte, lit string) bool {
	return len(buf) < len(lit) && strings.HasPrefix(lit, string(buf))
}

// couldBeRegistration reports whether buf (shorter than 8 bytes) could still
// complete SCALE-NN: a prefix of "SCALE-" followed only by digits.
func couldBeRegistration(buf []byte) bool {
	const lit = "SCALE-"
	for i, b := range buf {
		if i < len(lit) {
			if b != lit[i] {
				return false
			}
			continue
		}
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

// findNewline locates the first \r\n, \n, or \r and its length.
func findNewline(buf []byte) (int, int) {
	for i, b := range buf {
		switch b {
		case '\n':
			return i, 1
		case '\r':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				return i, 2
			}
			// A bare trailing \r might be half of \r\n still in flight; the
			// blank-line skip swallows the leftover \n either way.
			return i, 1
		}
	}
	return -1, 0
}

// parseWeighingLine decodes one CSV record:
//
//	PLU-old, HH:MM:SS, DD.MM.YYYY, product(16), barcode, price code,
//	operator(48), gross, tare, net, flags..., company
func parseWeighingLine(line string) (Weighing, error) {
	fields := strings.Split(line, ",")
	if len(fields) < minCSVFields {
		return Weighing{}, fmt.Errorf("weighing record has %d fields, want at least %d", len(fields), minCSVFields)
	}

	timeField := strings.TrimSpace(fields[1])
	if !timePattern.MatchString(timeField) {
		return Weighing{}, fmt.Errorf("bad time field %q", timeField)
	}
	dateField := strings.TrimSpace(fields[2])
	if !datePattern.MatchString(dateField) {
		return Weighing{}, fmt.Errorf("bad date field %q", dateField)
	}
	ts, err := time.Parse("02.01.2006 15:04:05", dateField+" "+timeField)
	if err != nil {
		return Weighing{}, fmt.Errorf("bad timestamp %q %q: %w", dateField, timeField, err)
	}

	barcode := strings.TrimSpace(fields[4])
	if !barcodePattern.MatchString(barcode) {
		return Weighing{}, fmt.Errorf("bad barcode field %q", barcode)
	}

	gross, err := parseWeightField(fields[7], "gross")
	if err != nil {
		return Weighing{}, err
	}
	tare, err := parseWeightField(fields[8], "tare")
	if err != nil {
		return Weighing{}, err
	}
	net, err := parseWeightField(fields[9], "net")
	if err != nil {
		return Weighing{}, err
	}

	var flags []string
	var company string
	if rest := fields[10:]; len(rest) > 0 {
		flags = make([]string, 0, len(rest)-1)
		for _, f := range rest[:len(rest)-1] {
			flags = append(flags, strings.TrimSpace(f))
		}
		company = strings.TrimSpace(rest[len(rest)-1])
	}

	return Weighing{
		PLUOld:      strings.TrimSpace(fields[0]),
		Timestamp:   ts.UTC(),
		ProductName: strings.TrimSpace(fields[3]),
		Barcode:     barcode,
		PriceCode:   strings.TrimSpace(fields[5]),
		Operator:    strings.TrimSpace(fields[6]),
		GrossRaw:    gross,
		TareRaw:     tare,
		NetRaw:      net,
		NetGrams:    DecodeWeight(net),
		TareGrams:   DecodeWeight(tare),
		Flags:       flags,
		Company:     company,
		RawLine:     line,
	}, nil
}

func parseWeightField(field, name string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s weight field %q", name, strings.TrimSpace(field))
	}
	if v < 0 {
		return 0, fmt.Errorf("negative %s weight %d", name, v)
	}
	return v, nil
}

// DecodeWeight converts a raw scale weight field to grams. Values below
// 1000 are deci-kilograms (x100); values at or above 1000 are already grams.
// Observed across the fleet; per-device config can force verbatim grams.
func DecodeWeight(raw int64) int64 {
	if raw < 1000 {
		return raw * 100
	}
	return raw
}
