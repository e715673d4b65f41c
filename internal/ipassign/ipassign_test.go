package ipassign

import "testing"

func TestPrefixToMask(t *testing.T) {
	cases := []struct {
		prefix int
		want   string
	}{
		{30, "255.255.255.252"},
		{24, "255.255.255.0"},
		{16, "255.255.0.0"},
		{32, "255.255.255.255"},
		{0, "0.0.0.0"},
	}
	for _, c := range cases {
		got := PrefixToMask(c.prefix).String()
		if got != c.want {
			t.Errorf("PrefixToMask(%d) = %s, want %s", c.prefix, got, c.want)
		}
	}
}
