// Package bsm implements Black-Scholes-Merton pricing and Greeks for
// European options on a dividend-paying underlying.
//
// All functions are pure: the result depends only on the arguments. Inputs
// with non-positive volatility or time are treated as already expired and
// priced at intrinsic value instead of returning an error.
//
// Reference: Hull, J. "Options, Futures, and Other Derivatives", ch. 15-19.
package bsm

import (
	"math"

	"github.com/atmx/paper-options/internal/model"
)

// MinTau is the floor applied to time-to-expiry before computing Greeks.
// Greeks at zero DTE are therefore very large and informative only.
const MinTau = 1e-8

// Greeks holds option sensitivities. Vega is per 1.00 of volatility and
// Theta is per year; long-option time decay is negative.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Vega  float64 `json:"vega"`
	Theta float64 `json:"theta"`
}

// Add returns g + w*o.
func (g Greeks) Add(o Greeks, w float64) Greeks {
	return Greeks{
		Delta: g.Delta + w*o.Delta,
		Gamma: g.Gamma + w*o.Gamma,
		Vega:  g.Vega + w*o.Vega,
		Theta: g.Theta + w*o.Theta,
	}
}

// NormCDF is the standard normal cumulative distribution function,
// computed through the error function (absolute error well below 1e-12).
func NormCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// NormPDF is the standard normal density.
func NormPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// Intrinsic returns the exercise value per share: max(0,S-K) for calls and
// max(0,K-S) for puts.
func Intrinsic(right model.Right, s, k float64) float64 {
	if right == model.Call {
		return math.Max(0, s-k)
	}
	return math.Max(0, k-s)
}

// d1d2 computes the BSM d1 and d2 terms.
func d1d2(s, k, r, q, sigma, t float64) (float64, float64) {
	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r-q+0.5*sigma*sigma)*t) / (sigma * sqrtT)
	return d1, d1 - sigma*sqrtT
}

// Price returns the BSM value per share of a European option.
//
//	call = S·e^(-qT)·N(d1) - K·e^(-rT)·N(d2)
//	put  = K·e^(-rT)·N(-d2) - S·e^(-qT)·N(-d1)
//
// If sigma <= 0 or t <= 0 the intrinsic value is returned.
func Price(s, k, r, q, sigma, t float64, right model.Right) float64 {
	if sigma <= 0 || t <= 0 {
		return Intrinsic(right, s, k)
	}
	d1, d2 := d1d2(s, k, r, q, sigma, t)
	edq := math.Exp(-q * t)
	edr := math.Exp(-r * t)
	if right == model.Call {
		return s*edq*NormCDF(d1) - k*edr*NormCDF(d2)
	}
	return k*edr*NormCDF(-d2) - s*edq*NormCDF(-d1)
}

// PriceEnv prices with the rate, yield and volatility taken from env.
func PriceEnv(env model.Env, s, k, t float64, right model.Right) float64 {
	return Price(s, k, env.R, env.Q, env.Sigma, t, right)
}

// Compute returns the Greeks of a European option. t is floored to MinTau.
// With sigma <= 0 the forward is deterministic: delta is a discounted step
// at the forward strike, gamma and vega are 0 and theta is carry only.
func Compute(s, k, r, q, sigma, t float64, right model.Right) Greeks {
	t = math.Max(MinTau, t)
	if sigma <= 0 {
		return degenerate(s, k, r, q, t, right)
	}
	sqrtT := math.Sqrt(t)
	d1, d2 := d1d2(s, k, r, q, sigma, t)
	edq := math.Exp(-q * t)
	edr := math.Exp(-r * t)
	pdf := NormPDF(d1)

	g := Greeks{
		Gamma: edq * pdf / (s * sigma * sqrtT),
		Vega:  s * edq * pdf * sqrtT,
	}
	decay := -(s * edq * pdf * sigma) / (2 * sqrtT)
	if right == model.Call {
		g.Delta = edq * NormCDF(d1)
		g.Theta = decay - r*k*edr*NormCDF(d2) + q*s*edq*NormCDF(d1)
	} else {
		g.Delta = -edq * NormCDF(-d1)
		g.Theta = decay + r*k*edr*NormCDF(-d2) - q*s*edq*NormCDF(-d1)
	}
	return g
}

func degenerate(s, k, r, q, t float64, right model.Right) Greeks {
	edq := math.Exp(-q * t)
	edr := math.Exp(-r * t)
	fwd, strike := s*edq, k*edr

	// Limit of N(d1) and N(d2) as sigma goes to 0.
	step := 0.5
	switch {
	case fwd > strike:
		step = 1
	case fwd < strike:
		step = 0
	}
	if right == model.Call {
		return Greeks{Delta: edq * step, Theta: (q*fwd - r*strike) * step}
	}
	return Greeks{Delta: -edq * (1 - step), Theta: (r*strike - q*fwd) * (1 - step)}
}

// ComputeEnv returns Greeks with parameters taken from env.
func ComputeEnv(env model.Env, s, k, t float64, right model.Right) Greeks {
	return Compute(s, k, env.R, env.Q, env.Sigma, t, right)
}
