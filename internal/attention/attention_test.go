package attention

import (
	"errors"
	"math"
	"testing"
)

func TestNewDims(t *testing.T) {
	tests := []struct {
		name    string
		model   int
		heads   int
		wantErr bool
		key     int
	}{
		{"default", 12, 1, false, 4},
		{"two heads", 12, 2, false, 4},
		{"three heads", 12, 3, false, 4},
		{"more heads than key width", 6, 5, false, 2},
		{"minimal", 3, 1, false, 1},
		{"not divisible by three", 10, 1, true, 0},
		{"zero model", 0, 1, true, 0},
		{"negative model", -3, 1, true, 0},
		{"zero heads", 12, 0, true, 0},
		{"negative heads", 12, -1, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDims(tt.model, tt.heads)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfiguration) {
					t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Key != tt.key || d.Heads != tt.heads {
				t.Errorf("dims = %+v, want key %d and %d heads", d, tt.key, tt.heads)
			}
			if d.Model != 3*d.Key || d.Key != d.Value {
				t.Errorf("partition invariant broken: %+v", d)
			}
		})
	}
}

func TestGateZeroIsHalf(t *testing.T) {
	if g := Gate(0); g != 0.5 {
		t.Fatalf("Gate(0) = %v, want exactly 0.5", g)
	}
}

func TestGateStrictlyInsideUnitInterval(t *testing.T) {
	for _, raw := range []float32{-1e30, -500, -88, -20, -1, -1e-7, 1e-7, 1, 20, 88, 500, 1e30, math.MaxFloat32, -math.MaxFloat32} {
		g := Gate(raw)
		if !(g > 0 && g < 1) {
			t.Errorf("Gate(%v) = %v, want value in (0,1)", raw, g)
		}
	}
}

func TestGateMonotonic(t *testing.T) {
	prev := Gate(-10)
	for raw := float32(-9.5); raw <= 10; raw += 0.5 {
		g := Gate(raw)
		if g < prev {
			t.Fatalf("Gate not monotonic at %v: %v < %v", raw, g, prev)
		}
		prev = g
	}
}

func TestFeatureMapNonNegative(t *testing.T) {
	for _, x := range []float32{-1000, -10, -1, -0.5, 0, 0.5, 1, 10} {
		if y := FeatureMap(x); y < 0 || math.IsNaN(float64(y)) {
			t.Errorf("FeatureMap(%v) = %v", x, y)
		}
	}
	if FeatureMap(0) != 1 {
		t.Errorf("FeatureMap(0) = %v, want 1", FeatureMap(0))
	}
	if FeatureMap(2) != 3 {
		t.Errorf("FeatureMap(2) = %v, want 3", FeatureMap(2))
	}
}

func TestMergeHeadsReplicatesPartitions(t *testing.T) {
	d, _ := NewDims(6, 1)
	ctx := []float32{1, 2, 3, 4}
	out := MergeHeads(ctx, 2, d)
	want := []float32{1, 2, 1, 2, 1, 2, 3, 4, 3, 4, 3, 4}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out[%d] = %v, want %v (out=%v)", i, out[i], want[i], out)
		}
	}
}

func TestMergeHeadsAveragesHeads(t *testing.T) {
	d, _ := NewDims(6, 2)
	// Two heads, one row each: (1,2) and (3,6).
	out := MergeHeads([]float32{1, 2, 3, 6}, 1, d)
	want := []float32{2, 4, 2, 4, 2, 4}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestHeadBlock(t *testing.T) {
	shared := []float32{1, 2, 3, 4}
	stacked := []float32{1, 2, 3, 4, 5, 6, 7, 8}

	if got := HeadBlock(shared, 2, 2, 1); &got[0] != &shared[0] {
		t.Errorf("shared tensor should serve every head from offset 0")
	}
	if got := HeadBlock(stacked, 2, 2, 1); got[0] != 5 || len(got) != 4 {
		t.Errorf("head 1 block = %v", got)
	}
	if off := HeadOffset(len(stacked), 2, 2, 1); off != 4 {
		t.Errorf("offset = %d, want 4", off)
	}
}

func TestSnapshotCheck(t *testing.T) {
	ok := Snapshot{KeyDim: 1, ValueDim: 1, Memory: []float32{1}, Norm: []float32{2}}
	if err := ok.Check(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := []Snapshot{
		{Memory: []float32{0}, Norm: []float32{-1}},
		{Memory: []float32{0}, Norm: []float32{float32(math.NaN())}},
		{Memory: []float32{float32(math.Inf(1))}, Norm: []float32{0}},
	}
	for i, s := range bad {
		if err := s.Check(); !errors.Is(err, ErrNumericDegeneracy) {
			t.Errorf("case %d: expected ErrNumericDegeneracy, got %v", i, err)
		}
	}
}

func TestHealth(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(1))

	tests := []struct {
		name    string
		mem     []float32
		norm    []float32
		wantErr bool
	}{
		{"zero", []float32{0, 0}, []float32{0}, false},
		{"accumulated", []float32{0.5, -3}, []float32{2, 1}, false},
		{"negative normalizer", []float32{0}, []float32{-1}, true},
		{"nan normalizer", []float32{0}, []float32{nan}, true},
		{"inf memory", []float32{inf}, []float32{1}, true},
		{"nan memory", []float32{nan}, []float32{1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Inspect(3, tt.mem, tt.norm)

			packed := make([]float32, 4*HealthWidth)
			h.Pack(packed[3*HealthWidth:])
			if got := UnpackHealth(3, packed); got != h {
				t.Fatalf("packed round trip = %+v, want %+v", got, h)
			}

			err := h.Check()
			if tt.wantErr != errors.Is(err, ErrNumericDegeneracy) {
				t.Fatalf("Check() = %v, wantErr %v", err, tt.wantErr)
			}
			snap := Snapshot{Head: 3, Memory: tt.mem, Norm: tt.norm}
			if (snap.Check() != nil) != tt.wantErr {
				t.Errorf("Snapshot.Check disagrees with Health.Check")
			}
		})
	}

	if m := Inspect(0, nil, []float32{2, 1.5}).Mass; m != 3.5 {
		t.Errorf("mass = %v, want 3.5", m)
	}
}
