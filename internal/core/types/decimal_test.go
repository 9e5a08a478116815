package types

import (
	"encoding/json"
	"testing"
)

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		in   string
		want Quantity
		err  bool
	}{
		{"1", 10000, false},
		{"1.5", 15000, false},
		{"0.0001", 1, false},
		{"-2.25", -22500, false},
		{"+3", 30000, false},
		{"10.12345", 101234, false}, // extra digits truncated
		{".5", 5000, false},
		{"", 0, true},
		{"abc", 0, true},
	}

	for _, tc := range cases {
		got, err := ParseQuantity(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseQuantity(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseQuantity(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseQuantity(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestQuantity_String(t *testing.T) {
	cases := []struct {
		in   Quantity
		want string
	}{
		{10000, "1.0000"},
		{15000, "1.5000"},
		{1, "0.0001"},
		{-22500, "-2.2500"},
		{0, "0.0000"},
	}
	for _, tc := range cases {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("Quantity(%d).String() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestQuantity_JSONRoundTrip(t *testing.T) {
	type payload struct {
		Qty Quantity `json:"qty"`
	}

	// Number form
	var p payload
	if err := json.Unmarshal([]byte(`{"qty": 12.5}`), &p); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if p.Qty != 125000 {
		t.Errorf("qty = %d, want 125000", p.Qty)
	}

	// String form
	if err := json.Unmarshal([]byte(`{"qty": "0.25"}`), &p); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if p.Qty != 2500 {
		t.Errorf("qty = %d, want 2500", p.Qty)
	}

	out, err := json.Marshal(payload{Qty: 2500})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"qty":0.2500}` {
		t.Errorf("marshal = %s", out)
	}
}
