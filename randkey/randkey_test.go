package randkey

import "testing"

// TestFoldInDeterministic verifies that folding the same index into the same
// key always yields the same derived key.
func TestFoldInDeterministic(t *testing.T) {
	base := New(42)
	for _, idx := range []int64{0, 1, 7, 1 << 40, -3} {
		a := base.FoldIn(idx)
		b := base.FoldIn(idx)
		if a != b {
			t.Fatalf("FoldIn(%d) not deterministic: %s vs %s", idx, a, b)
		}
	}
}

// TestFoldInDistinct folds a large number of consecutive indices into one key
// and checks that all derived keys (and their 64-bit digests) are distinct.
func TestFoldInDistinct(t *testing.T) {
	base := New(42)
	const n = 100000

	seenKeys := make(map[Key]int64, n)
	seenDigests := make(map[uint64]int64, n)
	for i := int64(0); i < n; i++ {
		k := base.FoldIn(i)
		if prev, ok := seenKeys[k]; ok {
			t.Fatalf("FoldIn collision: indices %d and %d both map to %s", prev, i, k)
		}
		seenKeys[k] = i
		d := k.Uint64()
		if prev, ok := seenDigests[d]; ok {
			t.Fatalf("digest collision: indices %d and %d both map to %016x", prev, i, d)
		}
		seenDigests[d] = i
	}
}

// TestNewMixesWords pins New's word derivation: the two words of a base key
// come from different increments of the seed, so they must differ from each
// other, and nearby seeds must not alias.
func TestNewMixesWords(t *testing.T) {
	for _, seed := range []int64{0, 1, 42, -1, 1 << 62} {
		k := New(seed)
		if k[0] == k[1] {
			t.Fatalf("New(%d) produced identical words: %s", seed, k)
		}
	}
	if New(3) == New(4) {
		t.Fatalf("adjacent seeds produced identical keys")
	}
}

// TestFoldInDiffersAcrossBaseKeys checks that the same index folded into
// different base keys produces different results.
func TestFoldInDiffersAcrossBaseKeys(t *testing.T) {
	a := New(1).FoldIn(5)
	b := New(2).FoldIn(5)
	if a == b {
		t.Fatalf("same derived key from different bases: %s", a)
	}
}

// TestSplit verifies count, determinism, and pairwise distinctness of Split,
// plus domain separation from FoldIn.
func TestSplit(t *testing.T) {
	base := New(1234)

	ks := base.Split(3)
	if len(ks) != 3 {
		t.Fatalf("Split(3) returned %d keys", len(ks))
	}

	again := base.Split(3)
	for i := range ks {
		if ks[i] != again[i] {
			t.Fatalf("Split not deterministic at %d: %s vs %s", i, ks[i], again[i])
		}
	}

	for i := 0; i < len(ks); i++ {
		for j := i + 1; j < len(ks); j++ {
			if ks[i] == ks[j] {
				t.Fatalf("Split keys %d and %d collide: %s", i, j, ks[i])
			}
		}
		if ks[i] == base {
			t.Fatalf("Split key %d equals the base key", i)
		}
		// Split children must not alias FoldIn children.
		if ks[i] == base.FoldIn(int64(i)) {
			t.Fatalf("Split key %d collides with FoldIn(%d)", i, i)
		}
	}
}

// TestSplitPanicsOnNonPositive documents the n >= 1 contract.
func TestSplitPanicsOnNonPositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Split(0) did not panic")
		}
	}()
	New(1).Split(0)
}

// TestRandSeeding checks that generators seeded from equal keys agree and
// generators seeded from different keys diverge.
func TestRandSeeding(t *testing.T) {
	k := New(7).FoldIn(3)

	r1 := k.Rand()
	r2 := k.Rand()
	for i := 0; i < 16; i++ {
		if a, b := r1.Int63(), r2.Int63(); a != b {
			t.Fatalf("generators from equal keys diverged at draw %d: %d vs %d", i, a, b)
		}
	}

	other := New(7).FoldIn(4).Rand()
	same := true
	fresh := k.Rand()
	for i := 0; i < 16; i++ {
		if fresh.Int63() != other.Int63() {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("generators from different keys produced identical draws")
	}
}
