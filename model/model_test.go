package model

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hi", 2, "hi"},
		{"hello", 3, "hel"},
		{"héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.maxLen); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
		}
	}
}

func TestFileMapRoundTrip(t *testing.T) {
	f := FileMap{"index.html": "<html></html>", "app/page.tsx": "export default"}
	data, err := f.MarshalDB()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := FileMapFromDB(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got["index.html"] != "<html></html>" {
		t.Fatalf("unexpected map: %+v", got)
	}
}

func TestFileMapNilAndEmpty(t *testing.T) {
	var f FileMap
	data, err := f.MarshalDB()
	if err != nil {
		t.Fatalf("marshal nil: %v", err)
	}
	if data != "{}" {
		t.Fatalf("nil map should marshal to {}, got %q", data)
	}

	got, err := FileMapFromDB("")
	if err != nil {
		t.Fatalf("unmarshal empty: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("empty string should decode to empty map, got %+v", got)
	}
}

func TestFileMapClone(t *testing.T) {
	f := FileMap{"a": "1"}
	c := f.Clone()
	c["b"] = "2"
	if _, ok := f["b"]; ok {
		t.Fatal("clone should not alias the original")
	}

	var nilMap FileMap
	if c := nilMap.Clone(); c == nil {
		t.Fatal("nil clone should be an empty, writable map")
	}
}
