package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/epic1st/optionstream/backend/internal/greeks"
)

func TestIVPolicyFromString(t *testing.T) {
	cases := []struct {
		in   string
		want greeks.IVFailurePolicy
	}{
		{"zero", greeks.IVFailureZero},
		{"nan", greeks.IVFailureNaN},
		{"sentinel", greeks.IVFailureBoundary},
		{"boundary", greeks.IVFailureBoundary},
		{"", greeks.IVFailureZero},
		{"garbage", greeks.IVFailureZero},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ivPolicyFromString(tc.in), "input %q", tc.in)
	}
}
