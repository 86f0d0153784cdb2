package jobs

import "testing"

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := Canonicalize(map[string]any{"year": 2024, "round": 5, "driver": "VER"})
	if err != nil {
		t.Fatalf("Canonicalize returned error: %v", err)
	}
	type params struct {
		Round  int    `json:"round"`
		Driver string `json:"driver"`
		Year   int    `json:"year"`
	}
	b, err := Canonicalize(params{Round: 5, Driver: "VER", Year: 2024})
	if err != nil {
		t.Fatalf("Canonicalize returned error: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %s vs %s", a, b)
	}
	if want := `{"driver":"VER","round":5,"year":2024}`; string(a) != want {
		t.Fatalf("canonical = %s, want %s", a, want)
	}
}

func TestFingerprintDependsOnJobType(t *testing.T) {
	params, err := Canonicalize(map[string]any{"year": 2024})
	if err != nil {
		t.Fatalf("Canonicalize returned error: %v", err)
	}
	if Fingerprint("sculpture", params) == Fingerprint("session_metadata", params) {
		t.Fatal("fingerprints of different job types must differ")
	}
	if Fingerprint("sculpture", params) != Fingerprint("sculpture", params) {
		t.Fatal("fingerprint must be deterministic")
	}
}
