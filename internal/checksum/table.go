package checksum

// Chunk is one entry of the checksum table: the chunk index, its length
// (equal to BlockLength for every chunk but the possibly-short last one),
// and its strong digest.
type Chunk struct {
	Index  int32
	Length int32
	Strong []byte
}

// Table is a multimap from rolling checksum to the chunks sharing it,
// preserving insertion order so ties resolve deterministically (spec.md
// §3's Checksum table).
type Table struct {
	Head    SumHead
	buckets map[uint32][]Chunk
}

func NewTable(head SumHead) *Table {
	return &Table{
		Head:    head,
		buckets: make(map[uint32][]Chunk, head.ChunkCount),
	}
}

// Add inserts chunk i with the given rolling checksum and strong digest.
func (t *Table) Add(rolling uint32, i int32, strong []byte) {
	t.buckets[rolling] = append(t.buckets[rolling], Chunk{
		Index:  i,
		Length: t.Head.ChunkLength(i),
		Strong: strong,
	})
}

// Candidates returns the chunks sharing rolling, in insertion order.
func (t *Table) Candidates(rolling uint32) []Chunk {
	return t.buckets[rolling]
}

// PreferredOrder returns candidates reordered to start scanning at the
// one nearest preferredIndex (the chunk following the last match), then
// continue forward through the rest of the list and wrap to its start,
// implementing spec.md §4.5 step 3's locality bias without needing a
// separate sorted index structure: candidate lists per bucket are
// typically short, so a linear nearest-scan is simpler than a binary
// search over a second sorted array and behaves identically for the
// practical bucket sizes real file content produces.
func PreferredOrder(candidates []Chunk, preferredIndex int32) []Chunk {
	if len(candidates) <= 1 {
		return candidates
	}
	best := 0
	bestDist := int64(1) << 62
	for i, c := range candidates {
		d := int64(c.Index) - int64(preferredIndex)
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best == 0 {
		return candidates
	}
	out := make([]Chunk, 0, len(candidates))
	out = append(out, candidates[best:]...)
	out = append(out, candidates[:best]...)
	return out
}
