package checksum

import (
	"bytes"
	"testing"
)

func TestRollingMatchesFreshComputation(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over "), 4)
	window := 8
	r := NewRolling(data[:window])
	for i := 1; i+window <= len(data); i++ {
		r = r.Roll(data[i-1], data[i+window-1])
		fresh := NewRolling(data[i : i+window])
		if r.Value() != fresh.Value() {
			t.Fatalf("offset %d: rolled=%d fresh=%d", i, r.Value(), fresh.Value())
		}
	}
}

func TestSumHeadValidate(t *testing.T) {
	cases := []struct {
		name    string
		head    SumHead
		wantErr bool
	}{
		{"zero", SumHead{}, false},
		{"valid", SumHead{ChunkCount: 4, BlockLength: 700, DigestLength: 16, RemainderLength: 100}, false},
		{"block too large", SumHead{BlockLength: MaxBlockLength + 1}, true},
		{"remainder exceeds block", SumHead{BlockLength: 10, RemainderLength: 20}, true},
		{"digest too long", SumHead{DigestLength: 17}, true},
		{"zero block nonzero count", SumHead{ChunkCount: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.head.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestSumSizesSqroot(t *testing.T) {
	for _, size := range []int64{0, 1, 63, 64, 1024, 1 << 20, 1 << 30} {
		h := SumSizesSqroot(size, 700)
		if size == 0 {
			if h.BlockLength != 0 || h.ChunkCount != 0 {
				t.Fatalf("size 0: want zero header, got %+v", h)
			}
			continue
		}
		if h.BlockLength <= 0 || h.BlockLength > MaxBlockLength {
			t.Fatalf("size %d: blockLength out of range: %d", size, h.BlockLength)
		}
		gotTotal := int64(h.ChunkCount-1)*int64(h.BlockLength) + int64(h.ChunkLength(h.ChunkCount-1))
		if gotTotal != size {
			t.Fatalf("size %d: reconstructed total %d", size, gotTotal)
		}
	}
}

func TestDigesterSeedChangesOutput(t *testing.T) {
	d1 := NewDigester(MD5, 1)
	d2 := NewDigester(MD5, 2)
	data := []byte("hello world")
	if bytes.Equal(d1.Sum(data), d2.Sum(data)) {
		t.Fatal("different seeds produced identical digests")
	}
	if !bytes.Equal(d1.WholeFileSum(data), d2.WholeFileSum(data)) {
		t.Fatal("whole-file digest must not depend on seed")
	}
}

func TestTablePreferredOrder(t *testing.T) {
	table := NewTable(SumHead{ChunkCount: 5, BlockLength: 10})
	for i := int32(0); i < 5; i++ {
		table.Add(42, i, []byte{byte(i)})
	}
	ordered := PreferredOrder(table.Candidates(42), 3)
	if ordered[0].Index != 3 {
		t.Fatalf("expected nearest candidate to index 3 first, got %d", ordered[0].Index)
	}
}
