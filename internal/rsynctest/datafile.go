package rsynctest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// sectionSize is the size of each of the three regions WriteLargeDataFile
// lays out. Keeping head and tail well clear of the body lets a change
// confined to the body exercise delta-transfer without also invalidating
// the blocks rsync can match from the unchanged regions.
const sectionSize = 1 * 1024 * 1024

func fillSection(pattern []byte, n int) []byte {
	buf := make([]byte, n)
	if len(pattern) == 0 {
		return buf
	}
	for i := range buf {
		buf[i] = pattern[i%len(pattern)]
	}
	return buf
}

// WriteLargeDataFile writes dir/large-data-file as three equal-size
// sections, each filled by repeating the given single-byte pattern.
func WriteLargeDataFile(t *testing.T, dir string, head, body, end []byte) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	buf.Write(fillSection(head, sectionSize))
	buf.Write(fillSection(body, sectionSize))
	buf.Write(fillSection(end, sectionSize))
	if err := os.WriteFile(filepath.Join(dir, "large-data-file"), buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

// DataFileMatches reports whether the file at path matches the contents
// WriteLargeDataFile would have produced for the given patterns.
func DataFileMatches(path string, head, body, end []byte) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	want := fillSection(head, sectionSize)
	want = append(want, fillSection(body, sectionSize)...)
	want = append(want, fillSection(end, sectionSize)...)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%s: contents do not match expected head/body/end pattern", path)
	}
	return nil
}
