package options

import "testing"

func TestAccessors(t *testing.T) {
	m := map[string]string{"s": "x", "n": "12", "b": "true", "bad": "zz", "empty": ""}
	if String(m, "s", "d") != "x" || String(m, "empty", "d") != "d" || String(nil, "s", "d") != "d" {
		t.Fatalf("String accessor")
	}
	if Int(m, "n", 0) != 12 || Int(m, "bad", 7) != 7 {
		t.Fatalf("Int accessor")
	}
	if !Bool(m, "b", false) || Bool(m, "bad", false) {
		t.Fatalf("Bool accessor")
	}
}
