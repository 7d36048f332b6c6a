package scale

import (
	"strings"
	"testing"
	"time"
)

const (
	lineLargeValue = "00001,10:30:00,30.01.2026,KIYMA           ,2000001025004,000,MEHMET        ,0000002500,0000000000,0000037500,0,0,0,1,N,TEST COMPANY\n"
	lineSmallUnits = "00001,06:25:17,30.01.2026,BONFILE         ,000000000004,0000,KAAN                                            ,0000000027,0000000013,0000000014,1,0,1,1,N,K\n"
)

func parseAll(t *testing.T, p *Parser, socketID string, chunks ...string) []Packet {
	t.Helper()
	var out []Packet
	for _, c := range chunks {
		pkts, errs := p.Parse(socketID, []byte(c))
		for _, err := range errs {
			t.Logf("parse error: %v", err)
		}
		out = append(out, pkts...)
	}
	return out
}

func TestParseRegistrationHeartbeatAck(t *testing.T) {
	p := New(nil)
	pkts := parseAll(t, p, "s1", "SCALE-01", "HB", "KONTROLLU AKTAR OK?")
	if len(pkts) != 3 {
		t.Fatalf("got %d packets, want 3", len(pkts))
	}
	reg, ok := pkts[0].(Registration)
	if !ok || reg.ScaleNumber != "SCALE-01" {
		t.Errorf("pkts[0] = %#v", pkts[0])
	}
	if _, ok := pkts[1].(Heartbeat); !ok {
		t.Errorf("pkts[1] = %#v", pkts[1])
	}
	if _, ok := pkts[2].(AckRequest); !ok {
		t.Errorf("pkts[2] = %#v", pkts[2])
	}
}

func TestParseWeighingLargeValue(t *testing.T) {
	p := New(nil)
	pkts, errs := p.Parse("s1", []byte(lineLargeValue))
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets", len(pkts))
	}
	w := pkts[0].(Weighing)
	if w.Barcode != "2000001025004" {
		t.Errorf("Barcode = %q", w.Barcode)
	}
	if w.NetGrams != 37500 {
		t.Errorf("NetGrams = %d, want 37500", w.NetGrams)
	}
	if w.TareGrams != 0 {
		t.Errorf("TareGrams = %d, want 0", w.TareGrams)
	}
	if w.ProductName != "KIYMA" {
		t.Errorf("ProductName = %q", w.ProductName)
	}
	if w.Operator != "MEHMET" {
		t.Errorf("Operator = %q", w.Operator)
	}
	if w.Company != "TEST COMPANY" {
		t.Errorf("Company = %q", w.Company)
	}
	want := time.Date(2026, 1, 30, 10, 30, 0, 0, time.UTC)
	if !w.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", w.Timestamp, want)
	}
}

func TestParseWeighingSmallUnitDecoding(t *testing.T) {
	p := New(nil)
	pkts, errs := p.Parse("s1", []byte(lineSmallUnits))
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	w := pkts[0].(Weighing)
	if w.NetGrams != 1400 {
		t.Errorf("NetGrams = %d, want 1400", w.NetGrams)
	}
	if w.TareGrams != 1300 {
		t.Errorf("TareGrams = %d, want 1300", w.TareGrams)
	}
	if w.NetRaw != 14 || w.TareRaw != 13 || w.GrossRaw != 27 {
		t.Errorf("raw = %d/%d/%d", w.GrossRaw, w.TareRaw, w.NetRaw)
	}
}

func TestDecodeWeight(t *testing.T) {
	tests := []struct {
		raw, want int64
	}{
		{0, 0},
		{14, 1400},
		{999, 99900},
		{1000, 1000},
		{37500, 37500},
	}
	for _, tt := range tests {
		if got := DecodeWeight(tt.raw); got != tt.want {
			t.Errorf("DecodeWeight(%d) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestParseSplitAcrossChunks(t *testing.T) {
	p := New(nil)
	// Registration arrives one byte at a time, then a line split mid-field.
	var pkts []Packet
	for _, b := range []byte("SCALE-07") {
		got, _ := p.Parse("s1", []byte{b})
		pkts = append(pkts, got...)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets after registration bytes", len(pkts))
	}
	if reg := pkts[0].(Registration); reg.ScaleNumber != "SCALE-07" {
		t.Errorf("ScaleNumber = %q", reg.ScaleNumber)
	}

	half := len(lineSmallUnits) / 2
	got, _ := p.Parse("s1", []byte(lineSmallUnits[:half]))
	if len(got) != 0 {
		t.Fatalf("incomplete line produced packets: %v", got)
	}
	got, errs := p.Parse("s1", []byte(lineSmallUnits[half:]))
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(got) != 1 {
		t.Fatalf("got %d packets after completion", len(got))
	}
	if w := got[0].(Weighing); w.NetGrams != 1400 {
		t.Errorf("NetGrams = %d", w.NetGrams)
	}
}

func TestParseDeterministic(t *testing.T) {
	input := "SCALE-01" + "HB" + lineLargeValue + "KONTROLLU AKTAR OK?" + lineSmallUnits
	a := New(nil)
	b := New(nil)
	pa, _ := a.Parse("x", []byte(input))
	pb, _ := b.Parse("y", []byte(input))
	if len(pa) != len(pb) || len(pa) != 5 {
		t.Fatalf("len(pa)=%d len(pb)=%d", len(pa), len(pb))
	}
	for i := range pa {
		wa, aok := pa[i].(Weighing)
		wb, bok := pb[i].(Weighing)
		if aok != bok {
			t.Fatalf("packet %d type mismatch", i)
		}
		if aok && wa.RawLine != wb.RawLine {
			t.Errorf("packet %d raw line mismatch", i)
		}
	}
}

func TestParseBadRecords(t *testing.T) {
	tests := []struct {
		name, line string
	}{
		{"too few fields", "00001,10:30:00,30.01.2026,KIYMA\n"},
		{"bad time", "00001,10:3000,30.01.2026,KIYMA,2000001025004,000,OP,1,0,14,0,C\n"},
		{"bad date", "00001,10:30:00,2026-01-30,KIYMA,2000001025004,000,OP,1,0,14,0,C\n"},
		{"bad barcode", "00001,10:30:00,30.01.2026,KIYMA,XYZ,000,OP,1,0,14,0,C\n"},
		{"bad weight", "00001,10:30:00,30.01.2026,KIYMA,2000001025004,000,OP,1,0,1.4kg,0,C\n"},
		{"impossible date", "00001,10:30:00,31.02.2026,KIYMA,2000001025004,000,OP,1,0,14,0,C\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(nil)
			pkts, errs := p.Parse("s1", []byte(tt.line))
			if len(errs) != 1 {
				t.Fatalf("errs = %v, want one", errs)
			}
			if len(pkts) != 1 {
				t.Fatalf("pkts = %v, want one Unknown", pkts)
			}
			if _, ok := pkts[0].(Unknown); !ok {
				t.Errorf("pkts[0] = %#v, want Unknown", pkts[0])
			}
		})
	}
}

func TestParseCRLFAndBareCR(t *testing.T) {
	p := New(nil)
	line := strings.TrimSuffix(lineSmallUnits, "\n")
	pkts, errs := p.Parse("s1", []byte(line+"\r\n"+line[:10]))
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets", len(pkts))
	}
	if p.BufferedBytes("s1") != 10 {
		t.Errorf("buffered = %d, want 10", p.BufferedBytes("s1"))
	}
}

func TestBufferOverflowTruncatesToTail(t *testing.T) {
	p := New(nil)
	junk := strings.Repeat("x", maxBufferSize+4096) // no newline
	p.Parse("s1", []byte(junk))
	if got := p.BufferedBytes("s1"); got > maxBufferSize {
		t.Errorf("buffer = %d, exceeds cap", got)
	}
	// Stream resynchronizes: the next complete line still parses.
	pkts, _ := p.Parse("s1", []byte("\n"+lineSmallUnits))
	var found bool
	for _, pk := range pkts {
		if _, ok := pk.(Weighing); ok {
			found = true
		}
	}
	if !found {
		t.Error("no weighing parsed after overflow recovery")
	}
}

func TestRelease(t *testing.T) {
	p := New(nil)
	p.Parse("s1", []byte("partial,line,without,newline"))
	if p.BufferedBytes("s1") == 0 {
		t.Fatal("expected buffered bytes")
	}
	p.Release("s1")
	if p.BufferedBytes("s1") != 0 {
		t.Error("buffer not released")
	}
}
