package vector

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
)

func clusteredVectors(n, dims, clusters int, seed int64) ([]string, [][]float32) {
	r := rand.New(rand.NewSource(seed))
	centers := make([][]float32, clusters)
	for c := range centers {
		centers[c] = make([]float32, dims)
		for d := range centers[c] {
			centers[c][d] = float32(r.NormFloat64())
		}
	}
	ids := make([]string, n)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		c := centers[i%clusters]
		v := make([]float32, dims)
		for d := range v {
			v[d] = c[d] + float32(r.NormFloat64()*0.1)
		}
		ids[i] = fmt.Sprintf("v%03d", i)
		vecs[i] = v
	}
	return ids, vecs
}

func TestIVFIndex_AllProbesMatchesFlat(t *testing.T) {
	ctx := context.Background()
	ids, vecs := clusteredVectors(200, 8, 5, 1)
	flat, _ := NewFlatIndex(8)
	ivf, _ := NewIVFIndex(8, IVFOptions{Lists: 5, Probes: 5})
	_ = flat.Add(ctx, ids, vecs)
	_ = ivf.Add(ctx, ids, vecs)
	if err := ivf.Train(ctx); err != nil {
		t.Fatal(err)
	}
	if !ivf.Exact() {
		t.Error("probing every list should be exact")
	}
	for qi := 0; qi < 10; qi++ {
		q := vecs[qi*17]
		want, _ := flat.Search(ctx, q, 10)
		got, _ := ivf.Search(ctx, q, 10)
		if len(got) != len(want) {
			t.Fatalf("query %d: got %d results, want %d", qi, len(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i].ID {
				t.Errorf("query %d rank %d: got %s, want %s", qi, i, got[i].ID, want[i].ID)
			}
		}
	}
}

// With a single probe the index is approximate: it must still return k
// results that are reasonably close, and the nearest neighbour of a stored
// vector (the vector itself) must be found.
func TestIVFIndex_SingleProbeDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	ids, vecs := clusteredVectors(300, 16, 6, 2)
	flat, _ := NewFlatIndex(16)
	ivf, _ := NewIVFIndex(16, IVFOptions{Lists: 6, Probes: 1})
	_ = flat.Add(ctx, ids, vecs)
	_ = ivf.Add(ctx, ids, vecs)

	hits, total := 0, 0
	for qi := 0; qi < 30; qi++ {
		q := vecs[qi*7]
		want, _ := flat.Search(ctx, q, 5)
		got, err := ivf.Search(ctx, q, 5)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 0 || got[0].ID != ids[qi*7] {
			t.Errorf("query %d: self not returned first", qi)
		}
		inWant := map[string]bool{}
		for _, r := range want {
			inWant[r.ID] = true
		}
		for _, r := range got {
			total++
			if inWant[r.ID] {
				hits++
			}
		}
	}
	if recall := float64(hits) / float64(total); recall < 0.8 {
		t.Errorf("recall@5 = %.2f, want >= 0.8 on well-separated clusters", recall)
	}
}

func TestIVFIndex_AddAfterTrainAndRemove(t *testing.T) {
	ctx := context.Background()
	ivf, _ := NewIVFIndex(2, IVFOptions{Lists: 2, Probes: 2})
	_ = ivf.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})
	if err := ivf.Train(ctx); err != nil {
		t.Fatal(err)
	}
	_ = ivf.Add(ctx, []string{"c"}, [][]float32{{0.9, 0.1}})
	res, _ := ivf.Search(ctx, []float32{1, 0}, 2)
	if len(res) != 2 || res[0].ID != "a" || res[1].ID != "c" {
		t.Fatalf("unexpected results %v", res)
	}
	if err := ivf.Remove(ctx, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	res, _ = ivf.Search(ctx, []float32{1, 0}, 1)
	if len(res) != 1 || res[0].ID != "c" {
		t.Errorf("after remove got %v", res)
	}
	if ivf.Size() != 2 {
		t.Errorf("Size=%d, want 2", ivf.Size())
	}
}

func TestIVFIndex_Empty(t *testing.T) {
	ivf, _ := NewIVFIndex(4, IVFOptions{})
	res, err := ivf.Search(context.Background(), []float32{1, 0, 0, 0}, 3)
	if err != nil || len(res) != 0 {
		t.Errorf("empty search = %v, %v", res, err)
	}
}
