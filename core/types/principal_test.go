package types

import "testing"

func TestParsePrincipal(t *testing.T) {
	cases := []struct {
		in      string
		want    Principal
		wantErr bool
	}{
		{in: "alice", want: "alice"},
		{in: "  Escrow.Testnet ", want: "escrow.testnet"},
		{in: "market_maker-01.assets", want: "market_maker-01.assets"},
		{in: "a", wantErr: true},
		{in: "", wantErr: true},
		{in: "bad..dots", wantErr: true},
		{in: "-leading", wantErr: true},
		{in: "trailing_", wantErr: true},
		{in: "double--dash", wantErr: true},
		{in: "spaces inside", wantErr: true},
		{in: "x0123456789012345678901234567890123456789012345678901234567890123", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePrincipal(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePrincipal(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePrincipal(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePrincipal(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMustPrincipalPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for malformed principal")
		}
	}()
	MustPrincipal("!")
}
