package stream

import (
	"time"

	"optionpulse/internal/memorystore"
	"optionpulse/pkg/kite"

	"go.uber.org/zap"
)

// MakeTickHandler returns a function that stores decoded ticks as the latest
// quote of each instrument.
func MakeTickHandler(logger *zap.Logger, store *memorystore.MemoryQuoteStore, now func() time.Time) func([]kite.Tick) {
	return func(ticks []kite.Tick) {
		received := now()
		stored := 0
		for _, tk := range ticks {
			if tk.Token == 0 {
				continue
			}
			// Full-mode packets carry the exchange timestamp; ltp and quote modes do not.
			at := tk.Timestamp
			if at.IsZero() {
				at = received
			}
			store.Add(tk.Quote(at))
			stored++
		}
		logger.Debug("ticks stored", zap.Int("ticks", len(ticks)), zap.Int("stored", stored))
	}
}
