package kite

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"optionpulse/internal/market"
	"optionpulse/pkg/pricing"
)

// exchangeZone is the zone Kite reports zone-less timestamps in.
var exchangeZone = time.FixedZone("IST", 5*3600+1800)

// APIError is a non-success Kite response.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType != "" {
		return fmt.Sprintf("kite error %d %s: %s", e.StatusCode, e.ErrorType, e.Message)
	}
	return fmt.Sprintf("kite error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return market.ErrExternalFailure }

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type RESTClient struct {
	baseURL     string
	apiKey      string
	accessToken string
	httpClient  *http.Client
}

func NewRESTClient(baseURL, apiKey, accessToken string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) HTTPClient() *http.Client {
	return c.httpClient
}

// get performs an authenticated GET and returns the open body on HTTP 200.
func (c *RESTClient) get(ctx context.Context, path string, query url.Values) (io.ReadCloser, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	// Construct the GET request with context for timeout/cancel support
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", fmt.Sprintf("token %s:%s", c.apiKey, c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", market.ErrExternalFailure, path, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}

		var env Response
		if json.Unmarshal(body, &env) == nil && env.Message != "" {
			apiErr.Message = env.Message
			apiErr.ErrorType = env.ErrorType
		}
		return nil, apiErr
	}
	return resp.Body, nil
}

// getJSON decodes the envelope of a JSON endpoint into out.
func (c *RESTClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	defer body.Close()

	var env Response
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Status != "success" {
		return &APIError{StatusCode: http.StatusOK, ErrorType: env.ErrorType, Message: env.Message}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// GetInstruments downloads the instrument master of one exchange (CSV).
// FetchDate of every instrument is today's exchange date.
func (c *RESTClient) GetInstruments(ctx context.Context, exchange string) ([]market.Instrument, error) {
	body, err := c.get(ctx, "/instruments/"+url.PathEscape(exchange), nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	y, m, d := time.Now().In(exchangeZone).Date()
	return ParseInstruments(body, market.Date(y, m, d))
}

// ParseInstruments reads a Kite instrument dump. Rows that fail to parse are skipped.
func ParseInstruments(r io.Reader, fetchDate time.Time) ([]market.Instrument, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read instrument header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instrument dump missing column %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out []market.Instrument
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read instrument row: %w", err)
		}

		token, err := strconv.ParseInt(field(row, "instrument_token"), 10, 64)
		if err != nil {
			continue // skip malformed row
		}
		inst := market.Instrument{
			Token:          token,
			TradingSymbol:  field(row, "tradingsymbol"),
			Name:           field(row, "name"),
			Exchange:       field(row, "exchange"),
			Segment:        field(row, "segment"),
			InstrumentType: field(row, "instrument_type"),
			FetchDate:      fetchDate,
		}
		inst.ExchangeToken, _ = strconv.ParseInt(field(row, "exchange_token"), 10, 64)
		inst.Strike, _ = strconv.ParseFloat(field(row, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(field(row, "tick_size"), 64)
		inst.LotSize, _ = strconv.Atoi(field(row, "lot_size"))
		if exp := field(row, "expiry"); exp != "" {
			if inst.Expiry, err = market.ParseDate(exp); err != nil {
				continue
			}
		}
		if typ, ok := pricing.ParseOptionType(inst.InstrumentType); ok {
			inst.OptionType = typ
			inst.Underlying = strings.ToUpper(inst.Name)
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetQuotes fetches full quotes for up to MaxQuoteInstruments tokens.
// Tokens Kite does not return are absent from the map.
func (c *RESTClient) GetQuotes(ctx context.Context, tokens []int64) (map[int64]market.Quote, error) {
	if len(tokens) == 0 {
		return map[int64]market.Quote{}, nil
	}
	if len(tokens) > MaxQuoteInstruments {
		return nil, fmt.Errorf("quote request for %d instruments exceeds %d", len(tokens), MaxQuoteInstruments)
	}

	query := url.Values{}
	for _, t := range tokens {
		query.Add("i", strconv.FormatInt(t, 10))
	}

	var data map[string]QuoteData
	if err := c.getJSON(ctx, "/quote", query, &data); err != nil {
		return nil, err
	}

	out := make(map[int64]market.Quote, len(data))
	for _, q := range data {
		out[q.InstrumentToken] = q.toQuote()
	}
	return out, nil
}

func (q QuoteData) toQuote() market.Quote {
	quote := market.Quote{
		Token:     q.InstrumentToken,
		LastPrice: q.LastPrice,
		Volume:    q.Volume,
		OI:        int64(q.OI),
		Open:      q.OHLC.Open,
		High:      q.OHLC.High,
		Low:       q.OHLC.Low,
		Close:     q.OHLC.Close,
	}
	if ts, err := time.ParseInLocation(quoteTimeLayout, q.Timestamp, exchangeZone); err == nil {
		quote.Timestamp = ts.UTC()
	}
	if len(q.Depth.Buy) > 0 {
		quote.BidPrice, quote.BidQty = q.Depth.Buy[0].Price, q.Depth.Buy[0].Quantity
	}
	if len(q.Depth.Sell) > 0 {
		quote.AskPrice, quote.AskQty = q.Depth.Sell[0].Price, q.Depth.Sell[0].Quantity
	}
	return quote
}

// GetCandles fetches historical candles for one instrument in [from, to].
func (c *RESTClient) GetCandles(ctx context.Context, token int64, interval CandleInterval,
	from, to time.Time, oi bool) ([]Candle, error) {
	meta, err := ParseCandleInterval(string(interval))
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("from", from.In(exchangeZone).Format(quoteTimeLayout))
	query.Set("to", to.In(exchangeZone).Format(quoteTimeLayout))
	if oi {
		query.Set("oi", "1")
	}

	var data HistoricalResponse
	path := fmt.Sprintf("/instruments/historical/%d/%s", token, meta.APIValue)
	if err := c.getJSON(ctx, path, query, &data); err != nil {
		return nil, err
	}
	return ParseCandleList(data.Candles)
}

// ParseCandleList converts raw candle arrays. Incomplete rows are skipped.
func ParseCandleList(raw [][]json.RawMessage) ([]Candle, error) {
	out := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue // skip incomplete row
		}

		var stamp string
		if err := json.Unmarshal(row[0], &stamp); err != nil {
			continue
		}
		ts, err := time.Parse(kiteTimeLayout, stamp)
		if err != nil {
			continue
		}

		var vals [6]float64
		ok := true
		for i := 1; i < len(row) && i < 7; i++ {
			if err := json.Unmarshal(row[i], &vals[i-1]); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}

		out = append(out, Candle{
			Time:   ts.UTC(),
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: int64(vals[4]),
			OI:     int64(vals[5]),
		})
	}
	return out, nil
}
