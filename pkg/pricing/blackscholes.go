package pricing

import "math"

// normCDF is P(X <= x) for a standard normal X.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1d2(in Input, sigma float64) (float64, float64) {
	sqrtT := math.Sqrt(in.TimeToExpiry)
	d1 := (math.Log(in.Spot/in.Strike) + (in.RiskFreeRate+0.5*sigma*sigma)*in.TimeToExpiry) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// Price is the Black-Scholes value of a European option at volatility sigma.
// Callers must pass positive spot, strike, time and sigma.
func Price(in Input, sigma float64) float64 {
	d1, d2 := d1d2(in, sigma)
	discK := in.Strike * math.Exp(-in.RiskFreeRate*in.TimeToExpiry)
	if in.Type == Put {
		return discK*normCDF(-d2) - in.Spot*normCDF(-d1)
	}
	return in.Spot*normCDF(d1) - discK*normCDF(d2)
}

// rawVega is dPrice/dSigma per 1.00 of volatility, used by the solver.
func rawVega(in Input, sigma float64) float64 {
	d1, _ := d1d2(in, sigma)
	return in.Spot * normPDF(d1) * math.Sqrt(in.TimeToExpiry)
}

// Greeks computes the analytic sensitivities at volatility sigma.
// Theta is per calendar day and vega per one volatility point.
func Greeks(in Input, sigma float64) (delta, gamma, theta, vega float64) {
	d1, d2 := d1d2(in, sigma)
	sqrtT := math.Sqrt(in.TimeToExpiry)
	pdf := normPDF(d1)
	discK := in.Strike * math.Exp(-in.RiskFreeRate*in.TimeToExpiry)

	gamma = pdf / (in.Spot * sigma * sqrtT)
	vega = in.Spot * pdf * sqrtT / 100

	decay := -in.Spot * pdf * sigma / (2 * sqrtT)
	if in.Type == Put {
		delta = normCDF(d1) - 1
		theta = (decay + in.RiskFreeRate*discK*normCDF(-d2)) / 365
	} else {
		delta = normCDF(d1)
		theta = (decay - in.RiskFreeRate*discK*normCDF(d2)) / 365
	}
	return delta, gamma, theta, vega
}

// bounds returns the no-arbitrage price interval for a European option.
func bounds(in Input) (lower, upper float64) {
	discK := in.Strike * math.Exp(-in.RiskFreeRate*in.TimeToExpiry)
	if in.Type == Put {
		return math.Max(0, discK-in.Spot), discK
	}
	return math.Max(0, in.Spot-discK), in.Spot
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
