package gate

import (
	"net/http"
	"testing"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		in   Input
		want Decision
	}{
		{Input{}, Loading},
		{Input{Ready: false, HasSession: true, IsAdmin: true}, Loading},
		{Input{Ready: true}, Unauthenticated},
		{Input{Ready: true, IsAdmin: true}, Unauthenticated},
		{Input{Ready: true, HasSession: true}, Unauthorized},
		{Input{Ready: true, HasSession: true, IsAdmin: true}, Authorized},
	}
	for _, tc := range cases {
		if got := Decide(tc.in); got != tc.want {
			t.Fatalf("Decide(%+v)=%s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	for _, ready := range []bool{false, true} {
		for _, sess := range []bool{false, true} {
			for _, admin := range []bool{false, true} {
				in := Input{Ready: ready, HasSession: sess, IsAdmin: admin}
				first := Decide(in)
				for i := 0; i < 10; i++ {
					if Decide(in) != first {
						t.Fatalf("Decide(%+v) not stable", in)
					}
				}
			}
		}
	}
}

func TestDecisionPresentation(t *testing.T) {
	if Unauthorized.HTTPStatus() != http.StatusForbidden || Unauthenticated.HTTPStatus() != http.StatusUnauthorized {
		t.Fatal("unexpected status mapping")
	}
	if Loading.HTTPStatus() != http.StatusServiceUnavailable || Authorized.HTTPStatus() != http.StatusOK {
		t.Fatal("unexpected status mapping")
	}
	if Authorized.Message() != "" || Unauthorized.Message() == "" {
		t.Fatal("unexpected messages")
	}
	text, _ := Authorized.MarshalText()
	if string(text) != "authorized" {
		t.Fatalf("unexpected text %s", text)
	}
}
