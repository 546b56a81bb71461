// Package pricing derives implied volatility and Greeks from option quotes
// using Black-Scholes. Everything here is pure and safe for concurrent use.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type OptionType string

const (
	Call OptionType = "CALL"
	Put  OptionType = "PUT"
)

// ParseOptionType accepts CALL/PUT and the exchange codes CE/PE.
func ParseOptionType(s string) (OptionType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "CE":
		return Call, true
	case "PUT", "PE":
		return Put, true
	}
	return "", false
}

const (
	MinVolatility = 1e-4
	MaxVolatility = 5.0

	DefaultTolerance     = 1e-4
	DefaultMaxIterations = 100
)

// ErrPricingUnavailable is matched by every UnavailableError.
var ErrPricingUnavailable = errors.New("pricing unavailable")

type Reason string

const (
	ReasonInvalidInput   Reason = "invalid_input"
	ReasonArbitrageBound Reason = "outside_arbitrage_bounds"
	ReasonNoConvergence  Reason = "no_convergence"
	ReasonNonFinite      Reason = "non_finite"
)

// UnavailableError explains why no result was produced.
type UnavailableError struct {
	Reason Reason
	Detail string
}

func (e *UnavailableError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pricing unavailable: %s", e.Reason)
	}
	return fmt.Sprintf("pricing unavailable: %s: %s", e.Reason, e.Detail)
}

func (e *UnavailableError) Unwrap() error { return ErrPricingUnavailable }

func unavailable(r Reason, format string, args ...any) error {
	return &UnavailableError{Reason: r, Detail: fmt.Sprintf(format, args...)}
}

// Input is one option quote paired with its underlying.
type Input struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64 // years
	RiskFreeRate float64
	MarketPrice  float64
	Type         OptionType
}

// Result holds IV and Greeks. IV is nil when Greeks came from the fallback volatility.
type Result struct {
	IV    *float64
	Delta float64
	Gamma float64
	Theta float64 // per calendar day
	Vega  float64 // per volatility point
}

type Engine struct {
	Tolerance     float64
	MaxIterations int
	// FallbackVolatility is used for Greeks when the solver fails; 0 disables it.
	FallbackVolatility float64
}

func NewEngine(tolerance float64, maxIterations int, fallbackVolatility float64) Engine {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return Engine{Tolerance: tolerance, MaxIterations: maxIterations, FallbackVolatility: fallbackVolatility}
}

func validate(in Input) error {
	switch {
	case in.Type != Call && in.Type != Put:
		return unavailable(ReasonInvalidInput, "option type %q", in.Type)
	case !finite(in.Spot, in.Strike, in.TimeToExpiry, in.RiskFreeRate, in.MarketPrice):
		return unavailable(ReasonInvalidInput, "non-finite input")
	case in.TimeToExpiry <= 0:
		return unavailable(ReasonInvalidInput, "time to expiry %v", in.TimeToExpiry)
	case in.MarketPrice <= 0:
		return unavailable(ReasonInvalidInput, "market price %v", in.MarketPrice)
	case in.Spot <= 0:
		return unavailable(ReasonInvalidInput, "spot %v", in.Spot)
	case in.Strike <= 0:
		return unavailable(ReasonInvalidInput, "strike %v", in.Strike)
	}
	return nil
}

// PriceAndGreeks solves IV for the quote and evaluates the Greeks at it.
// Domain errors and solver failures return an *UnavailableError.
func (e Engine) PriceAndGreeks(in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}
	lower, upper := bounds(in)
	if in.MarketPrice < lower || in.MarketPrice >= upper {
		return Result{}, unavailable(ReasonArbitrageBound, "price %v not in [%v, %v)", in.MarketPrice, lower, upper)
	}

	iv, err := e.impliedVolatility(in)
	if err != nil {
		if e.FallbackVolatility <= 0 {
			return Result{}, err
		}
		res, gerr := greeksResult(in, e.FallbackVolatility)
		if gerr != nil {
			return Result{}, gerr
		}
		return res, nil
	}

	res, err := greeksResult(in, iv)
	if err != nil {
		return Result{}, err
	}
	res.IV = &iv
	return res, nil
}

// ImpliedVolatility returns only the solved volatility.
func (e Engine) ImpliedVolatility(in Input) (float64, error) {
	if err := validate(in); err != nil {
		return 0, err
	}
	return e.impliedVolatility(in)
}

func greeksResult(in Input, sigma float64) (Result, error) {
	delta, gamma, theta, vega := Greeks(in, sigma)
	if !finite(delta, gamma, theta, vega) {
		return Result{}, unavailable(ReasonNonFinite, "greeks at sigma %v", sigma)
	}
	return Result{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega}, nil
}

// impliedVolatility runs Newton steps inside a shrinking bracket and bisects
// whenever a step would leave it. Price is increasing in sigma, so
// f(lo) < 0 < f(hi) holds throughout.
func (e Engine) impliedVolatility(in Input) (float64, error) {
	f := func(sigma float64) float64 { return Price(in, sigma) - in.MarketPrice }

	lo, hi := MinVolatility, MaxVolatility
	fLo, fHi := f(lo), f(hi)
	switch {
	case math.Abs(fLo) < e.Tolerance:
		return lo, nil
	case math.Abs(fHi) < e.Tolerance:
		return hi, nil
	case fLo > 0:
		return 0, unavailable(ReasonNoConvergence, "price below model at minimum volatility")
	case fHi < 0:
		return 0, unavailable(ReasonNoConvergence, "price above model at maximum volatility")
	}

	sigma := 0.3
	for i := 0; i < e.MaxIterations; i++ {
		diff := f(sigma)
		if !finite(diff) {
			return 0, unavailable(ReasonNonFinite, "model price at sigma %v", sigma)
		}
		if math.Abs(diff) < e.Tolerance {
			return sigma, nil
		}
		if diff > 0 {
			hi = sigma
		} else {
			lo = sigma
		}

		next := math.NaN()
		if v := rawVega(in, sigma); v > 1e-12 {
			next = sigma - diff/v
		}
		if !(next > lo && next < hi) {
			next = 0.5 * (lo + hi)
		}
		sigma = next
	}
	return 0, unavailable(ReasonNoConvergence, "after %d iterations", e.MaxIterations)
}

// TimeToExpiry measures years (365-day) from at to the expiry cutoff on the expiry date.
func TimeToExpiry(expiry time.Time, cutoffHour, cutoffMinute int, loc *time.Location, at time.Time) float64 {
	y, m, d := expiry.Date()
	expiryAt := time.Date(y, m, d, cutoffHour, cutoffMinute, 0, 0, loc)
	return expiryAt.Sub(at).Hours() / (24 * 365)
}
