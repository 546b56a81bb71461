package kite

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Packet lengths of the ticker binary protocol.
const (
	ltpPacketLen        = 8
	indexQuotePacketLen = 28
	indexFullPacketLen  = 32
	quotePacketLen      = 44
	fullPacketLen       = 184

	depthEntries   = 10 // 5 bids followed by 5 asks
	depthEntryLen  = 12
	depthOffset    = 64
	bidDepthLength = 5
)

// ParseBinary splits one binary ticker message into ticks. A message carries a
// 2-byte packet count followed by (2-byte length, packet) pairs. Single-byte
// messages are heartbeats and yield no ticks.
func ParseBinary(msg []byte) ([]Tick, error) {
	if len(msg) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(msg[0:2]))
	ticks := make([]Tick, 0, count)
	offset := 2
	for i := 0; i < count; i++ {
		if offset+2 > len(msg) {
			return ticks, fmt.Errorf("ticker packet %d: truncated length", i)
		}
		size := int(binary.BigEndian.Uint16(msg[offset : offset+2]))
		offset += 2
		if offset+size > len(msg) {
			return ticks, fmt.Errorf("ticker packet %d: truncated body", i)
		}

		tick, err := ParsePacket(msg[offset : offset+size])
		if err != nil {
			return ticks, fmt.Errorf("ticker packet %d: %w", i, err)
		}
		ticks = append(ticks, tick)
		offset += size
	}
	return ticks, nil
}

// ParsePacket decodes one quote packet. Prices are sent as integers scaled by
// a segment-dependent divisor (paise for equity and F&O).
func ParsePacket(b []byte) (Tick, error) {
	if len(b) < ltpPacketLen {
		return Tick{}, fmt.Errorf("packet of %d bytes is too short", len(b))
	}

	token := int64(binary.BigEndian.Uint32(b[0:4]))
	divisor := priceDivisor(token)
	u32 := func(at int) uint32 { return binary.BigEndian.Uint32(b[at : at+4]) }
	price := func(at int) float64 { return float64(int32(u32(at))) / divisor }
	unix := func(at int) time.Time {
		if v := u32(at); v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
		return time.Time{}
	}

	tick := Tick{
		Token:     token,
		IsIndex:   token&0xFF == segmentIndices,
		LastPrice: price(4),
	}

	switch {
	case len(b) == ltpPacketLen:
		tick.Mode = ModeLTP

	case tick.IsIndex && (len(b) == indexQuotePacketLen || len(b) == indexFullPacketLen):
		tick.Mode = ModeQuote
		tick.High = price(8)
		tick.Low = price(12)
		tick.Open = price(16)
		tick.Close = price(20)
		if len(b) == indexFullPacketLen {
			tick.Mode = ModeFull
			tick.Timestamp = unix(28)
		}

	case len(b) == quotePacketLen || len(b) == fullPacketLen:
		tick.Mode = ModeQuote
		tick.LastQuantity = int64(u32(8))
		tick.AveragePrice = price(12)
		tick.Volume = int64(u32(16))
		tick.TotalBuyQuantity = int64(u32(20))
		tick.TotalSellQuantity = int64(u32(24))
		tick.Open = price(28)
		tick.High = price(32)
		tick.Low = price(36)
		tick.Close = price(40)
		if len(b) == fullPacketLen {
			tick.Mode = ModeFull
			tick.LastTradeTime = unix(44)
			tick.OI = int64(u32(48))
			tick.OIDayHigh = int64(u32(52))
			tick.OIDayLow = int64(u32(56))
			tick.Timestamp = unix(60)
			tick.Bids, tick.Asks = parseDepth(b[depthOffset:], divisor)
		}

	default:
		return Tick{}, fmt.Errorf("unknown packet length %d for token %d", len(b), token)
	}
	return tick, nil
}

func parseDepth(b []byte, divisor float64) (bids, asks []DepthItem) {
	for i := 0; i < depthEntries; i++ {
		at := i * depthEntryLen
		item := DepthItem{
			Quantity: int64(binary.BigEndian.Uint32(b[at : at+4])),
			Price:    float64(int32(binary.BigEndian.Uint32(b[at+4:at+8]))) / divisor,
			Orders:   int(binary.BigEndian.Uint16(b[at+8 : at+10])),
		}
		if i < bidDepthLength {
			bids = append(bids, item)
		} else {
			asks = append(asks, item)
		}
	}
	return bids, asks
}

func priceDivisor(token int64) float64 {
	switch token & 0xFF {
	case segmentNSECD:
		return 10000000
	case segmentBSECD:
		return 10000
	}
	return 100
}
