package filelist

import (
	"bytes"
	"testing"

	"github.com/relaysync/rsync/internal/rsyncwire"
)

func TestCompareOrdering(t *testing.T) {
	dot := &FileInfo{Name: ".", Kind: KindDir}
	file := &FileInfo{Name: "a", Kind: KindRegular}
	dir := &FileInfo{Name: "a", Kind: KindDir}
	dirB := &FileInfo{Name: "b", Kind: KindDir}

	if Compare(dot, file) >= 0 {
		t.Fatal(`"." must sort first`)
	}
	if Compare(file, dir) >= 0 {
		t.Fatal("file must sort before directory with equal prefix")
	}
	if Compare(dir, dirB) >= 0 {
		t.Fatal("lexicographic order violated")
	}
	if Compare(file, file) != 0 {
		t.Fatal("compare with self must be zero")
	}
}

func TestFilelistSegmentLifecycle(t *testing.T) {
	fl := New(true)
	files := []*FileInfo{
		{Name: "sub", Kind: KindDir},
		{Name: "x.txt", Kind: KindRegular, Size: 10},
	}
	seg := fl.NewSegment(-1, files)
	if seg.DirIndex() != -1 {
		t.Fatalf("want dirIndex -1, got %d", seg.DirIndex())
	}
	if seg.TotalFileSize() != 10 {
		t.Fatalf("want totalFileSize 10, got %d", seg.TotalFileSize())
	}
	if !fl.Expandable() {
		t.Fatal("segment with a subdirectory should be expandable")
	}

	stubIndex := seg.dirIndex + 1 // "sub" is first member
	got := fl.GetSegmentWith(stubIndex)
	if got != seg {
		t.Fatalf("GetSegmentWith(%d) = %v, want %v", stubIndex, got, seg)
	}

	stub, err := fl.GetStubDirectoryOrNull(stubIndex)
	if err != nil {
		t.Fatal(err)
	}
	if stub.Name != "sub" {
		t.Fatalf("want stub sub, got %s", stub.Name)
	}
	if fl.Expandable() {
		t.Fatal("segment should no longer be expandable after stub consumed")
	}

	if _, err := fl.GetStubDirectoryOrNull(9999); err == nil {
		t.Fatal("out-of-range stub lookup must fail")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	conn := &rsyncwire.Conn{Reader: &buf, Writer: &buf}

	opts := CodecOptions{PreserveUid: true, PreserveGid: true}
	enc := NewEncoder(opts)
	entries := []*FileInfo{
		{Name: ".", Kind: KindDir, Mode: 0o40755},
		{Name: "dir", Kind: KindDir, Mode: 0o40755, Uid: 1000, Gid: 1000},
		{Name: "dir/file.txt", Kind: KindRegular, Mode: 0o100644, Size: 42, ModTime: 1700000000, Uid: 1000, Gid: 1000},
		{Name: "link", Kind: KindSymlink, Mode: 0o120777, LinkTarget: "dir/file.txt", Uid: 1000, Gid: 1000},
	}
	for _, f := range entries {
		if err := enc.Encode(conn, f); err != nil {
			t.Fatalf("Encode(%s): %v", f.Name, err)
		}
	}
	if err := enc.End(conn, 0); err != nil {
		t.Fatal(err)
	}

	dec := NewDecoder(opts)
	var got []*FileInfo
	for {
		res, err := dec.Decode(conn)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if res.Done {
			break
		}
		got = append(got, res.File)
	}

	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, want := range entries {
		if got[i].Name != want.Name {
			t.Fatalf("entry %d: name = %q, want %q", i, got[i].Name, want.Name)
		}
		if got[i].Size != want.Size {
			t.Fatalf("entry %d (%s): size = %d, want %d", i, want.Name, got[i].Size, want.Size)
		}
		if got[i].LinkTarget != want.LinkTarget {
			t.Fatalf("entry %d (%s): link target = %q, want %q", i, want.Name, got[i].LinkTarget, want.LinkTarget)
		}
	}
}

func TestValidatePathRejectsEscapes(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"a/b/c", false},
		{".", false},
		{"../etc/passwd", true},
		{"a/../../etc/passwd", true},
		{"/etc/passwd", true},
		{"a/../b", false},
	}
	for _, tc := range cases {
		err := ValidatePath(tc.name, false)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestRootResolveContainment(t *testing.T) {
	root := NewRoot(t.TempDir())
	if _, err := root.Resolve("a/b.txt"); err != nil {
		t.Fatalf("expected ordinary relative path to resolve: %v", err)
	}
	if _, err := root.Resolve("../escape.txt"); err == nil {
		t.Fatal("expected escape to be rejected")
	}
}
