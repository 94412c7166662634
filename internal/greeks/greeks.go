// Package greeks computes Black-Scholes option prices, Greeks, and implied
// volatility. Every function here is pure and stateless: no shared mutable
// state, so callers may invoke it freely from any goroutine without
// synchronization - this is the tick pipeline's CPU-bound hot path and must
// never hold a mutex.
package greeks

import "math"

// OptionType selects the payoff side of the Black-Scholes formula.
type OptionType int

const (
	Call OptionType = iota
	Put
)

// Inputs bundles the Black-Scholes parameters shared by all functions in
// this package. T is years to expiry (T >= 0), Sigma is annualized
// volatility (Sigma > 0 for the pricing/greeks formulas).
type Inputs struct {
	Spot   float64
	Strike float64
	T      float64
	Sigma  float64
	Rate   float64
	Div    float64
	Type   OptionType
}

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

// d1d2 returns the Black-Scholes d1, d2 terms. Caller must ensure T > 0 and
// Sigma > 0.
func d1d2(in Inputs) (d1, d2 float64) {
	sqrtT := math.Sqrt(in.T)
	d1 = (math.Log(in.Spot/in.Strike) + (in.Rate-in.Div+0.5*in.Sigma*in.Sigma)*in.T) / (in.Sigma * sqrtT)
	d2 = d1 - in.Sigma*sqrtT
	return d1, d2
}

// intrinsic returns the payoff at expiry, used whenever T == 0.
func intrinsic(in Inputs) float64 {
	if in.Type == Call {
		return math.Max(in.Spot-in.Strike, 0)
	}
	return math.Max(in.Strike-in.Spot, 0)
}

// Price computes the Black-Scholes option price with continuous dividend
// yield q. For T == 0 it returns the intrinsic value and never produces
// NaN/Inf for finite, well-formed inputs.
func Price(in Inputs) float64 {
	if in.T <= 0 || in.Sigma <= 0 {
		return intrinsic(in)
	}
	d1, d2 := d1d2(in)
	discSpot := in.Spot * math.Exp(-in.Div*in.T)
	discStrike := in.Strike * math.Exp(-in.Rate*in.T)
	if in.Type == Call {
		return discSpot*normCDF(d1) - discStrike*normCDF(d2)
	}
	return discStrike*normCDF(-d2) - discSpot*normCDF(-d1)
}

// Delta returns the option's first derivative with respect to spot.
func Delta(in Inputs) float64 {
	if in.T <= 0 || in.Sigma <= 0 {
		if in.Type == Call {
			if in.Spot > in.Strike {
				return 1
			}
			return 0
		}
		if in.Spot < in.Strike {
			return -1
		}
		return 0
	}
	d1, _ := d1d2(in)
	discDiv := math.Exp(-in.Div * in.T)
	if in.Type == Call {
		return discDiv * normCDF(d1)
	}
	return discDiv * (normCDF(d1) - 1)
}

// Gamma is identical for calls and puts at the same strike/spot/T.
func Gamma(in Inputs) float64 {
	if in.T <= 0 || in.Sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(in)
	return math.Exp(-in.Div*in.T) * normPDF(d1) / (in.Spot * in.Sigma * math.Sqrt(in.T))
}

// Vega is identical for calls and puts at the same strike/spot/T, expressed
// per unit (not per 1% vol point) of Sigma.
func Vega(in Inputs) float64 {
	if in.T <= 0 || in.Sigma <= 0 {
		return 0
	}
	d1, _ := d1d2(in)
	return in.Spot * math.Exp(-in.Div*in.T) * normPDF(d1) * math.Sqrt(in.T)
}

// Theta is the option's time decay per year. theta_put and theta_call
// satisfy theta_put = theta_call + r*K*e^{-rT} - q*S*e^{-qT}.
func Theta(in Inputs) float64 {
	if in.T <= 0 || in.Sigma <= 0 {
		return 0
	}
	d1, d2 := d1d2(in)
	discDiv := math.Exp(-in.Div * in.T)
	discRate := math.Exp(-in.Rate * in.T)
	term1 := -(in.Spot * discDiv * normPDF(d1) * in.Sigma) / (2 * math.Sqrt(in.T))

	if in.Type == Call {
		return term1 - in.Rate*in.Strike*discRate*normCDF(d2) + in.Div*in.Spot*discDiv*normCDF(d1)
	}
	return term1 + in.Rate*in.Strike*discRate*normCDF(-d2) - in.Div*in.Spot*discDiv*normCDF(-d1)
}

// IVFailurePolicy selects what ImpliedVol returns when the market price
// cannot be bracketed by [sigmaMin, sigmaMax].
type IVFailurePolicy int

const (
	// IVFailureZero returns 0.
	IVFailureZero IVFailurePolicy = iota
	// IVFailureBoundary returns whichever of sigmaMin/sigmaMax is closer
	// to resolving the price (the boundary the search walked toward).
	IVFailureBoundary
	// IVFailureNaN returns math.NaN(), for callers that want an explicit
	// sentinel rather than a plausible-looking zero.
	IVFailureNaN
)

const maxIVIterations = 100

// ImpliedVol solves for the volatility that reproduces marketPrice under
// Black-Scholes, via Brent's method bracketed on [sigmaMin, sigmaMax]. in.Sigma
// is ignored (it is the unknown being solved for). Returns (iv, ok); ok is
// false when the market price cannot be bracketed (e.g. below intrinsic
// value), in which case iv is determined by policy and the caller should
// treat the result as a diagnostic, not a trustworthy estimate.
func ImpliedVol(marketPrice float64, in Inputs, sigmaMin, sigmaMax float64, policy IVFailurePolicy) (iv float64, ok bool) {
	if sigmaMin <= 0 {
		sigmaMin = 1e-4
	}
	if sigmaMax <= 0 {
		sigmaMax = 5.0
	}

	f := func(sigma float64) float64 {
		probe := in
		probe.Sigma = sigma
		return Price(probe) - marketPrice
	}

	fLow := f(sigmaMin)
	fHigh := f(sigmaMax)

	if fLow == 0 {
		return sigmaMin, true
	}
	if fHigh == 0 {
		return sigmaMax, true
	}
	if (fLow > 0) == (fHigh > 0) {
		// Cannot bracket a root: the price is outside the range the
		// model can produce over [sigmaMin, sigmaMax] (e.g. below
		// intrinsic value, or implausibly high).
		return ivFailureValue(sigmaMin, sigmaMax, fLow, policy), false
	}

	return brent(f, sigmaMin, sigmaMax, fLow, fHigh, 1e-8, maxIVIterations), true
}

func ivFailureValue(sigmaMin, sigmaMax float64, fLow float64, policy IVFailurePolicy) float64 {
	switch policy {
	case IVFailureBoundary:
		if fLow > 0 {
			return sigmaMin
		}
		return sigmaMax
	case IVFailureNaN:
		return math.NaN()
	default:
		return 0
	}
}

// brent implements Brent's root-finding method bounded to maxIter
// iterations, so it can never loop indefinitely regardless of input.
func brent(f func(float64) float64, a, b, fa, fb float64, tol float64, maxIter int) float64 {
	if math.Abs(fa) < math.Abs(fb) {
		a, b = b, a
		fa, fb = fb, fa
	}
	c, fc := a, fa
	mflag := true
	var d float64

	for i := 0; i < maxIter; i++ {
		if fb == 0 || math.Abs(b-a) < tol {
			return b
		}

		var s float64
		if fa != fc && fb != fc {
			s = a*fb*fc/((fa-fb)*(fa-fc)) +
				b*fa*fc/((fb-fa)*(fb-fc)) +
				c*fa*fb/((fc-fa)*(fc-fb))
		} else {
			s = b - fb*(b-a)/(fb-fa)
		}

		cond := (s < (3*a+b)/4 || s > b) ||
			(mflag && math.Abs(s-b) >= math.Abs(b-c)/2) ||
			(!mflag && math.Abs(s-b) >= math.Abs(c-d)/2) ||
			(mflag && math.Abs(b-c) < tol) ||
			(!mflag && math.Abs(c-d) < tol)

		if cond {
			s = (a + b) / 2
			mflag = true
		} else {
			mflag = false
		}

		fs := f(s)
		d, c, fc = c, b, fb

		if fa*fs < 0 {
			b, fb = s, fs
		} else {
			a, fa = s, fs
		}

		if math.Abs(fa) < math.Abs(fb) {
			a, b = b, a
			fa, fb = fb, fa
		}
	}
	return b
}
