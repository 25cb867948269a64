package initiator

import (
	"testing"

	"github.com/acme/outbound-dispatch/internal/domain"
)

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code  string
		class domain.FailureClass
		known bool
	}{
		{"carrier_busy", domain.FailureTransient, true},
		{"rate_limited", domain.FailureTransient, true},
		{"network_error", domain.FailureTransient, true},
		{"invalid_number", domain.FailurePermanent, true},
		{"number_unreachable", domain.FailurePermanent, true},
		{"rejected", domain.FailurePermanent, true},
		{"quantum_flux", domain.FailureTransient, false},
		{"", domain.FailureTransient, false},
	}

	for _, tc := range cases {
		class, known := ClassifyCode(tc.code)
		if class != tc.class || known != tc.known {
			t.Errorf("ClassifyCode(%q) = (%s, %v), want (%s, %v)", tc.code, class, known, tc.class, tc.known)
		}
	}
}
