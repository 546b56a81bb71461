package postgres_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"optionpulse/config"
	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"
	"optionpulse/pkg/storage/postgres"

	"github.com/stretchr/testify/require"
)

func testSession(t *testing.T) market.Session {
	t.Helper()
	s, err := market.NewSession(config.MarketConfig{
		Timezone:      "Asia/Kolkata",
		OpenSnapshot:  "09:15",
		CloseSnapshot: "15:15",
		ExpiryCutoff:  "15:30",
	})
	require.NoError(t, err)
	return s
}

// newTestClient opens a private in-memory sqlite database per test.
func newTestClient(t *testing.T) *postgres.PostgresClient {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	client, err := postgres.NewSQLiteClient(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	require.NoError(t, client.AutoMigrate())

	client.Session = testSession(t)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func f64(v float64) *float64 { return &v }

func option(token int64, underlying string, strike float64, typ pricing.OptionType, expiry time.Time) market.Instrument {
	suffix := "CE"
	if typ == pricing.Put {
		suffix = "PE"
	}
	return market.Instrument{
		Token:          token,
		ExchangeToken:  token / 256,
		TradingSymbol:  fmt.Sprintf("%s%s%.0f%s", underlying, expiry.Format("06Jan"), strike, suffix),
		Name:           underlying,
		Underlying:     underlying,
		Exchange:       "NFO",
		Segment:        "NFO-OPT",
		InstrumentType: suffix,
		OptionType:     typ,
		Strike:         strike,
		Expiry:         expiry,
		LotSize:        50,
		TickSize:       0.05,
		FetchDate:      market.Date(2025, 1, 1),
	}
}

// seedOptions stores instruments and returns them with their row ids.
func seedOptions(t *testing.T, client *postgres.PostgresClient, instruments ...market.Instrument) map[int64]market.Instrument {
	t.Helper()
	ctx := context.Background()
	_, err := client.UpsertOptionInstruments(ctx, instruments)
	require.NoError(t, err)

	out := make(map[int64]market.Instrument, len(instruments))
	for _, i := range instruments {
		stored, err := client.InstrumentByToken(ctx, i.Token)
		require.NoError(t, err)
		out[i.Token] = stored
	}
	return out
}

// go test -v --run ^TestPostgresInvalidDSN$
func TestPostgresInvalidDSN(t *testing.T) {
	invalidDSN := "host=invalid.invalid port=5432 user=fail password=fail dbname=fail sslmode=disable connect_timeout=2"

	_, err := postgres.NewClient(invalidDSN)
	if err == nil {
		t.Fatal("expected error for invalid DSN, got nil")
	}
}

// go test -v --run ^TestSQLiteClientHealthy$
func TestSQLiteClientHealthy(t *testing.T) {
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if !client.IsHealthy(ctx) {
		t.Fatal("expected healthy DB connection")
	}
}
