package backend

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"v1", true},
		{"my-vm", true},
		{"web.01", true},
		{"a", true},
		{"a.b-c_d", true},
		{strings.Repeat("a", MaxNameLength), true},

		{"", false},
		{strings.Repeat("a", MaxNameLength+1), false},
		{"has/slash", false},
		{`has\backslash`, false},
		{"dot..dot", false},
		{".hidden", false},
		{"-flag", false},
		{"has space", false},
		{"semi;colon", false},
		{"uni\xc3\xa9", false},
	}
	for _, c := range cases {
		if got := ValidateName(c.name); got != c.want {
			t.Errorf("ValidateName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
