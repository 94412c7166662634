package greeks

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Inputs {
	return Inputs{Spot: 100, Strike: 100, T: 0.5, Sigma: 0.2, Rate: 0.05, Div: 0.01}
}

func TestPrice_PutCallParity(t *testing.T) {
	call := sample()
	call.Type = Call
	put := sample()
	put.Type = Put

	c := Price(call)
	p := Price(put)

	lhs := c - p
	rhs := call.Spot*math.Exp(-call.Div*call.T) - call.Strike*math.Exp(-call.Rate*call.T)

	assert.InEpsilon(t, rhs, lhs, 0.01)
}

func TestPrice_ZeroExpiryIsIntrinsic(t *testing.T) {
	itm := Inputs{Spot: 110, Strike: 100, T: 0, Sigma: 0.2, Rate: 0.05, Type: Call}
	assert.Equal(t, 10.0, Price(itm))
	assert.False(t, math.IsNaN(Price(itm)))
	assert.False(t, math.IsInf(Price(itm), 0))
}

func TestGammaVega_SameForCallAndPut(t *testing.T) {
	call := sample()
	call.Type = Call
	put := sample()
	put.Type = Put

	assert.InDelta(t, Gamma(call), Gamma(put), 1e-12)
	assert.InDelta(t, Vega(call), Vega(put), 1e-12)
}

func TestTheta_PutCallRelation(t *testing.T) {
	call := sample()
	call.Type = Call
	put := sample()
	put.Type = Put

	thetaCall := Theta(call)
	thetaPut := Theta(put)

	expected := thetaCall + call.Rate*call.Strike*math.Exp(-call.Rate*call.T) - call.Div*call.Spot*math.Exp(-call.Div*call.T)
	assert.InDelta(t, expected, thetaPut, 1e-9)
}

func TestImpliedVol_RecoversInputSigma(t *testing.T) {
	in := sample()
	in.Type = Call
	price := Price(in)

	iv, ok := ImpliedVol(price, in, 1e-4, 5.0, IVFailureZero)
	require.True(t, ok)
	assert.InDelta(t, in.Sigma, iv, 1e-4)
}

func TestImpliedVol_BelowIntrinsicFailsGracefully(t *testing.T) {
	in := Inputs{Spot: 150, Strike: 100, T: 1, Rate: 0.05, Type: Call}
	iv, ok := ImpliedVol(1.0, in, 1e-4, 5.0, IVFailureZero)
	assert.False(t, ok)
	assert.Equal(t, 0.0, iv)
}

func TestImpliedVol_NeverLoopsIndefinitely(t *testing.T) {
	in := sample()
	in.Type = Put
	price := Price(in)

	done := make(chan struct{})
	go func() {
		ImpliedVol(price, in, 1e-4, 5.0, IVFailureZero)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ImpliedVol did not return")
	}
}
