package embedqueue

import "testing"

func TestEncodeDecodeVectorRoundTrips(t *testing.T) {
	v := []float32{0, 1.5, -3.25, 3.1415927}
	blob := EncodeVector(v)
	if len(blob) != 4*len(v) {
		t.Fatalf("blob len = %d, want %d", len(blob), 4*len(v))
	}
	got := DecodeVector(blob)
	if len(got) != len(v) {
		t.Fatalf("decoded len = %d, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, got[i], v[i])
		}
	}
}
