package fileid

import (
	"strings"
	"testing"
)

func TestSourceID(t *testing.T) {
	id := SourceID("/inbox/a.csv")
	if !strings.HasPrefix(id, sourcePrefix) || len(id) != len(sourcePrefix)+64 {
		t.Errorf("unexpected id %q", id)
	}
	tests := []struct {
		a, b string
		same bool
	}{
		{"/inbox/a.csv", "/inbox/a.csv", true},
		{"/inbox/a.csv", "/inbox/./a.csv", true},
		{"/inbox/sub/", "/inbox/sub", true},
		{"/inbox/a.csv", "/inbox/b.csv", false},
	}
	for _, tt := range tests {
		if got := SourceID(tt.a) == SourceID(tt.b); got != tt.same {
			t.Errorf("SourceID(%q) == SourceID(%q) is %v, want %v", tt.a, tt.b, got, tt.same)
		}
	}
}

func TestContentHash(t *testing.T) {
	base := ContentHash([]string{"Great class", "Too fast"})
	if !strings.HasPrefix(base, contentPrefix) {
		t.Fatalf("unexpected hash %q", base)
	}
	tests := []struct {
		name     string
		comments []string
		same     bool
	}{
		{"identical", []string{"Great class", "Too fast"}, true},
		{"whitespace and blanks ignored", []string{"  Great class ", "", "Too fast\n"}, true},
		{"order matters", []string{"Too fast", "Great class"}, false},
		{"boundaries matter", []string{"Great classToo fast"}, false},
		{"different text", []string{"Great class", "Too slow"}, false},
	}
	for _, tt := range tests {
		if got := ContentHash(tt.comments) == base; got != tt.same {
			t.Errorf("%s: same = %v, want %v", tt.name, got, tt.same)
		}
	}
}

func TestReportName(t *testing.T) {
	tests := map[string]string{
		"/inbox/CS101_Fall-2024.csv": "CS101 Fall-2024",
		"feedback.xlsx":              "feedback",
		"/inbox/__.tsv":              "__.tsv",
		"/inbox/plain":               "plain",
	}
	for in, want := range tests {
		if got := ReportName(in); got != want {
			t.Errorf("ReportName(%q) = %q, want %q", in, got, want)
		}
	}
}
