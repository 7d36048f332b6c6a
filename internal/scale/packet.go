package scale

import "time"

// Packet is one recognized unit from the scale wire stream.
type Packet interface {
	packet()
}

// Registration announces a scale's local identity, e.g. SCALE-01.
type Registration struct {
	ScaleNumber string // full literal, SCALE-NN
}

// Heartbeat is the 2-byte HB keepalive.
type Heartbeat struct{}

// AckRequest is the scale asking permission to transfer its buffered
// records ("KONTROLLU AKTAR OK?").
type AckRequest struct{}

// Weighing is one parsed CSV measurement record.
//
// NetGrams and TareGrams are decoded with the deci-kilogram heuristic; the
// raw integers are kept so a per-device override can re-decode verbatim.
type Weighing struct {
	PLUOld      string
	Timestamp   time.Time
	ProductName string
	Barcode     string // canonical PLU
	PriceCode   string
	Operator    string
	GrossRaw    int64
	TareRaw     int64
	NetRaw      int64
	NetGrams    int64
	TareGrams   int64
	Flags       []string
	Company     string
	RawLine     string
}

// Unknown is an unrecognized line; Reason carries the parse failure.
type Unknown struct {
	Reason  string
	RawLine string
}

func (Registration) packet() {}
func (Heartbeat) packet()    {}
func (AckRequest) packet()   {}
func (Weighing) packet()     {}
func (Unknown) packet()      {}
