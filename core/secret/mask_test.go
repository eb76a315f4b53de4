package secret

import "testing"

func TestMask(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"abc":                       "***",
		"abcdefgh":                  "a******h",
		"abcdefghijklmnopqrstuvwxy": "abc*********************y",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q; want %q", in, got, want)
		}
	}
}
