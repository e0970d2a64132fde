package device

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-infini/internal/attention"
	"github.com/23skdu/longbow-infini/internal/cpu"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-6)

func randomSlice(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*2 - 1
	}
	return out
}

// dispatch runs a single kernel and downloads the buffer at index read.
func dispatch(t *testing.T, c *Context, k Kernel, groups int, p Params, read int, bufs ...*Buffer) []float32 {
	t.Helper()
	enc := c.NewEncoder(k.Name)
	enc.Dispatch(k, groups, p, bufs...)
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("encode %s: %v", k.Name, err)
	}
	if _, err := c.Submit(cb); err != nil {
		t.Fatalf("submit %s: %v", k.Name, err)
	}
	out, err := c.Download(bufs[read], bufs[read].Len())
	if err != nil {
		t.Fatalf("download %s: %v", k.Name, err)
	}
	return out
}

func upload(t *testing.T, c *Context, label string, host []float32) *Buffer {
	t.Helper()
	b, err := c.Upload(label, host)
	if err != nil {
		t.Fatalf("upload %s: %v", label, err)
	}
	return b
}

func TestSplitQKVMatchesPartition(t *testing.T) {
	c := newTestContext(t, Options{})
	d, _ := attention.NewDims(12, 2)
	n := 5
	x := randomSlice(rand.New(rand.NewPCG(1, 2)), n*d.Model)

	wantQ, wantK, wantV, err := attention.Partition{}.Project(x, n, d)
	if err != nil {
		t.Fatal(err)
	}

	xb := upload(t, c, "x", x)
	q, _ := c.Allocate("q", n*d.Key, UsageState)
	k, _ := c.Allocate("k", n*d.Key, UsageState)
	v, _ := c.Allocate("v", n*d.Value, UsageState)
	gotQ := dispatch(t, c, SplitQKV, n, ParamsFor(d, n), 1, xb, q, k, v)
	gotK, _ := c.Download(k, k.Len())
	gotV, _ := c.Download(v, v.Len())

	for name, pair := range map[string][2][]float32{"q": {wantQ, gotQ}, "k": {wantK, gotK}, "v": {wantV, gotV}} {
		if diff := cmp.Diff(pair[0], pair[1]); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestLocalAttentionMatchesHost(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		model   int
		heads   int
		stacked bool
	}{
		{"single token", 1, 3, 1, false},
		{"one head", 4, 6, 1, false},
		{"two heads shared", 7, 12, 2, false},
		{"four heads shared", 3, 24, 4, false},
		{"three heads stacked", 5, 6, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t, Options{Workers: 3})
			d, err := attention.NewDims(tt.model, tt.heads)
			if err != nil {
				t.Fatal(err)
			}
			blocks := 1
			if tt.stacked {
				blocks = d.Heads
			}
			r := rand.New(rand.NewPCG(uint64(tt.n), uint64(tt.model)))
			q := randomSlice(r, blocks*tt.n*d.Key)
			k := randomSlice(r, blocks*tt.n*d.Key)
			v := randomSlice(r, blocks*tt.n*d.Value)

			stride := tt.n * d.Value
			want := make([]float32, d.Heads*stride)
			host := cpu.NewContext()
			defer host.Free()
			for h := 0; h < d.Heads; h++ {
				host.LocalAttention(want[h*stride:(h+1)*stride],
					attention.HeadBlock(q, tt.n, d.Key, h),
					attention.HeadBlock(k, tt.n, d.Key, h),
					attention.HeadBlock(v, tt.n, d.Value, h), tt.n, d)
			}

			qb, kb, vb := upload(t, c, "q", q), upload(t, c, "k", k), upload(t, c, "v", v)
			out, _ := c.Allocate("local", len(want), UsageState)
			p := ParamsFor(d, tt.n)
			p.PerHeadQKV = tt.stacked
			enc := c.NewEncoder("local")
			for h := 0; h < d.Heads; h++ {
				enc.Dispatch(LocalAttention, tt.n, p.WithHead(h, 0), qb, kb, vb, out)
			}
			cb, err := enc.Finish()
			if err != nil {
				t.Fatal(err)
			}
			if _, err := c.Submit(cb); err != nil {
				t.Fatal(err)
			}
			got, err := c.Download(out, out.Len())
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got, approx); diff != "" {
				t.Errorf("local attention mismatch (-host +device):\n%s", diff)
			}
		})
	}
}

func TestMemoryKernelsMatchHost(t *testing.T) {
	c := newTestContext(t, Options{Workers: 2})
	d, _ := attention.NewDims(12, 2)
	n := 6
	r := rand.New(rand.NewPCG(7, 11))
	q := randomSlice(r, n*d.Key)
	k := randomSlice(r, n*d.Key)
	v := randomSlice(r, n*d.Value)

	host := cpu.NewContext()
	defer host.Free()

	qb, kb, vb := upload(t, c, "q", q), upload(t, c, "k", k), upload(t, c, "v", v)
	stride := n * d.Value

	for h := 0; h < d.Heads; h++ {
		mem := make([]float32, d.Key*d.Value)
		norm := make([]float32, d.Key)
		host.Update(mem, norm, k, v, n, d)
		host.Update(mem, norm, k, v, n, d)
		wantRead := make([]float32, stride)
		host.Retrieve(wantRead, q, mem, norm, n, d)

		memb, _ := c.Allocate("mem", len(mem), UsageState)
		normb, _ := c.Allocate("norm", len(norm), UsageState)
		p := ParamsFor(d, n).WithHead(h, 0)

		enc := c.NewEncoder("update")
		enc.Dispatch(MemoryUpdate, d.Key, p, kb, vb, memb, normb)
		enc.Barrier()
		enc.Dispatch(MemoryUpdate, d.Key, p, kb, vb, memb, normb)
		cb, err := enc.Finish()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Submit(cb); err != nil {
			t.Fatal(err)
		}

		gotMem, _ := c.Download(memb, memb.Len())
		gotNorm, _ := c.Download(normb, normb.Len())
		if diff := cmp.Diff(mem, gotMem, approx); diff != "" {
			t.Errorf("head %d memory mismatch:\n%s", h, diff)
		}
		if diff := cmp.Diff(norm, gotNorm, approx); diff != "" {
			t.Errorf("head %d normalizer mismatch:\n%s", h, diff)
		}

		out, _ := c.Allocate("read", d.Heads*stride, UsageState)
		gotRead := dispatch(t, c, MemoryRetrieve, n, p, 3, qb, memb, normb, out)
		if diff := cmp.Diff(wantRead, gotRead[h*stride:(h+1)*stride], approx); diff != "" {
			t.Errorf("head %d retrieve mismatch:\n%s", h, diff)
		}
	}
}

func TestMemoryRetrieveEmptyIsZero(t *testing.T) {
	c := newTestContext(t, Options{})
	d, _ := attention.NewDims(6, 1)
	n := 3
	q := upload(t, c, "q", randomSlice(rand.New(rand.NewPCG(3, 3)), n*d.Key))
	mem, _ := c.Allocate("mem", d.Key*d.Value, UsageState)
	norm, _ := c.Allocate("norm", d.Key, UsageState)
	out := upload(t, c, "out", []float32{9, 9, 9, 9, 9, 9})

	got := dispatch(t, c, MemoryRetrieve, n, ParamsFor(d, n), 3, q, mem, norm, out)
	if diff := cmp.Diff(make([]float32, n*d.Value), got); diff != "" {
		t.Errorf("empty memory read (-want +got):\n%s", diff)
	}
}

func TestGatedCombineAndMerge(t *testing.T) {
	c := newTestContext(t, Options{})
	d, _ := attention.NewDims(6, 2)
	n := 2
	// Two heads stacked, each n × Value.
	local := []float32{1, 2, 3, 4, 0, 0, 2, 2}
	memory := []float32{5, 6, 7, 8, 4, 4, 0, 0}
	gate := attention.Gate(0.7)

	want := make([]float32, len(local))
	cpu.Combine(want, local, memory, gate)

	lb, mb := upload(t, c, "local", local), upload(t, c, "memory", memory)
	ctxb, _ := c.Allocate("context", len(local), UsageState)
	outb, _ := c.Allocate("out", n*d.Model, UsageState)

	enc := c.NewEncoder("combine")
	for h := 0; h < d.Heads; h++ {
		enc.Dispatch(GatedCombine, n, ParamsFor(d, n).WithHead(h, gate), lb, mb, ctxb)
	}
	enc.Barrier()
	enc.Dispatch(MergeHeads, n, ParamsFor(d, n), ctxb, outb)
	cb, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit(cb); err != nil {
		t.Fatal(err)
	}

	gotCtx, _ := c.Download(ctxb, ctxb.Len())
	if diff := cmp.Diff(want, gotCtx, approx); diff != "" {
		t.Errorf("combine mismatch:\n%s", diff)
	}
	gotOut, _ := c.Download(outb, outb.Len())
	if diff := cmp.Diff(attention.MergeHeads(want, n, d), gotOut, approx); diff != "" {
		t.Errorf("merge mismatch:\n%s", diff)
	}
}

func TestCheckStateMatchesInspect(t *testing.T) {
	c := newTestContext(t, Options{})
	d, _ := attention.NewDims(6, 2)
	nan := float32(math.NaN())
	mems := [][]float32{{1, 2, 3, 4}, {nan, 1, float32(math.Inf(1)), 0}}
	norms := [][]float32{{0.5, 1.5}, {-1, 2}}

	health, _ := c.Allocate("health", d.Heads*attention.HealthWidth, UsageState)
	enc := c.NewEncoder("check")
	for h := 0; h < d.Heads; h++ {
		memb, normb := upload(t, c, "mem", mems[h]), upload(t, c, "norm", norms[h])
		enc.Dispatch(CheckState, 1, ParamsFor(d, 1).WithHead(h, 0), memb, normb, health)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Submit(cb); err != nil {
		t.Fatal(err)
	}
	packed, err := c.Download(health, health.Len())
	if err != nil {
		t.Fatal(err)
	}

	for h := 0; h < d.Heads; h++ {
		want := attention.Inspect(h, mems[h], norms[h])
		got := attention.UnpackHealth(h, packed)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("head %d health (-want +got):\n%s", h, diff)
		}
	}
	if got := attention.UnpackHealth(1, packed); got.Check() == nil {
		t.Error("degenerate head passed its check")
	}
}
