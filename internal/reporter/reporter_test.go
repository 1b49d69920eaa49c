package reporter

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWriteCSVHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	want := `"date","uri","in_sync","incremental","audit","same","created","updated","deleted","to_delete","exception","origin"` + "\n"
	if buf.String() != want {
		t.Errorf("header = %q, want %q", buf.String(), want)
	}
}

func TestWriteCSVNoneFields(t *testing.T) {
	rows := []Status{{
		WallTime: time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		URI:      "http://example.com/changelist.xml",
		InSync:   nil,
		Same:     1,
	}}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	row := lines[1]
	if strings.Count(row, `"None"`) != 3 {
		t.Errorf("row = %q, want 3 quoted None fields (in_sync, exception, origin)", row)
	}
}

func TestRecordAndReset(t *testing.T) {
	r := New()
	r.Record(Status{URI: "http://example.com/a"})
	r.Record(Status{URI: "http://example.com/b"})

	rows := r.Reset()
	if len(rows) != 2 {
		t.Fatalf("Reset() returned %d rows, want 2", len(rows))
	}

	if rows2 := r.Reset(); len(rows2) != 0 {
		t.Errorf("second Reset() returned %d rows, want 0", len(rows2))
	}
}

func TestBoolFieldLiterals(t *testing.T) {
	yes := true
	no := false
	if got := boolField(&yes); got != "True" {
		t.Errorf("boolField(true) = %q, want True", got)
	}
	if got := boolField(&no); got != "False" {
		t.Errorf("boolField(false) = %q, want False", got)
	}
	if got := boolField(nil); got != "None" {
		t.Errorf("boolField(nil) = %q, want None", got)
	}
}
