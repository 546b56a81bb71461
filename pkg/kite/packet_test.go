package kite

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putU32(b []byte, at int, v uint32) { binary.BigEndian.PutUint32(b[at:at+4], v) }

func fullPacket(token uint32) []byte {
	b := make([]byte, fullPacketLen)
	putU32(b, 0, token)
	putU32(b, 4, 12050)   // ltp 120.50
	putU32(b, 16, 150000) // volume
	putU32(b, 28, 11000)
	putU32(b, 32, 12500)
	putU32(b, 36, 10500)
	putU32(b, 40, 10000)
	putU32(b, 48, 2500000) // oi
	putU32(b, 60, uint32(time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC).Unix()))
	for i := 0; i < depthEntries; i++ {
		at := depthOffset + i*depthEntryLen
		putU32(b, at, uint32(100*(i+1)))
		putU32(b, at+4, uint32(12040+i*5))
		binary.BigEndian.PutUint16(b[at+8:at+10], uint16(i+1))
	}
	return b
}

func frame(packets ...[]byte) []byte {
	msg := make([]byte, 2)
	binary.BigEndian.PutUint16(msg, uint16(len(packets)))
	for _, p := range packets {
		size := make([]byte, 2)
		binary.BigEndian.PutUint16(size, uint16(len(p)))
		msg = append(msg, size...)
		msg = append(msg, p...)
	}
	return msg
}

// go test -v --run TestParseBinary
func TestParseBinary(t *testing.T) {
	index := make([]byte, indexFullPacketLen)
	putU32(index, 0, 256265) // NIFTY 50, segment 9
	putU32(index, 4, 2355050)
	putU32(index, 16, 2350000)
	putU32(index, 20, 2345000)

	ltp := make([]byte, ltpPacketLen)
	putU32(ltp, 0, 12345410)
	putU32(ltp, 4, 9900)

	ticks, err := ParseBinary(frame(fullPacket(12345410), index, ltp))
	require.NoError(t, err)
	require.Len(t, ticks, 3)

	opt := ticks[0]
	assert.Equal(t, ModeFull, opt.Mode)
	assert.False(t, opt.IsIndex)
	assert.InDelta(t, 120.50, opt.LastPrice, 1e-9)
	assert.EqualValues(t, 150000, opt.Volume)
	assert.EqualValues(t, 2500000, opt.OI)
	assert.InDelta(t, 100.0, opt.Close, 1e-9)
	assert.True(t, opt.Timestamp.Equal(time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC)))
	require.Len(t, opt.Bids, 5)
	require.Len(t, opt.Asks, 5)
	assert.InDelta(t, 120.40, opt.Bids[0].Price, 1e-9)
	assert.EqualValues(t, 600, opt.Asks[0].Quantity)

	idx := ticks[1]
	assert.True(t, idx.IsIndex)
	assert.Equal(t, ModeFull, idx.Mode)
	assert.InDelta(t, 23550.50, idx.LastPrice, 1e-9)
	assert.InDelta(t, 23500.0, idx.Open, 1e-9)

	assert.Equal(t, ModeLTP, ticks[2].Mode)
	assert.InDelta(t, 99.0, ticks[2].LastPrice, 1e-9)

	q := opt.Quote(time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC))
	assert.InDelta(t, 120.40, q.BidPrice, 1e-9)
	assert.EqualValues(t, 100, q.BidQty)
	assert.InDelta(t, 120.65, q.AskPrice, 1e-9)
}

// go test -v --run TestParseBinaryMalformed
func TestParseBinaryMalformed(t *testing.T) {
	ticks, err := ParseBinary([]byte{0x00})
	assert.NoError(t, err)
	assert.Empty(t, ticks)

	msg := frame(fullPacket(12345410))
	_, err = ParseBinary(msg[:len(msg)-10])
	assert.Error(t, err)

	_, err = ParsePacket(make([]byte, 50))
	assert.Error(t, err)
}
