package batch

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f := excelize.NewFile()
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				t.Fatal(err)
			}
			if err := f.SetCellValue("Sheet1", cell, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}
	f.Close()
}

func TestParseFile_xlsx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.xlsx")
	writeWorkbook(t, path, [][]string{
		{"Question: What did you think?"},
		{"4", "The professor explained every topic clearly"},
		{"2", "Too many quizzes"},
		{"5"},
	})

	got, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"The professor explained every topic clearly", "Too many quizzes"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}
}

func TestParseSpreadsheet_keepsAlignment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aligned.xlsx")
	writeWorkbook(t, path, [][]string{
		{"1", "A fairly long first comment"},
		{"2"},
	})
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := ParseSpreadsheet(f)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"A fairly long first comment", ""}) {
		t.Errorf("got %#v", got)
	}
}

func TestParseFile_csvAndText(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "a.csv")
	if err := os.WriteFile(csvPath, []byte("Question: rate\nGreat class!,5\nBad TA,1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ParseFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"Great class!", "Bad TA"}) {
		t.Errorf("csv: got %#v", got)
	}

	txtPath := filepath.Join(dir, "b.txt")
	if err := os.WriteFile(txtPath, []byte("first, with comma\n\nsecond\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err = ParseFile(txtPath)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"first, with comma", "second"}) {
		t.Errorf("txt: got %#v", got)
	}
}

func TestParseFile_missing(t *testing.T) {
	if _, err := ParseFile(filepath.Join(t.TempDir(), "nope.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseBytes_invalidUTF8(t *testing.T) {
	if _, err := ParseBytes([]byte{0xff, 0xfe, 0x00}, ".csv"); err == nil {
		t.Error("expected error for invalid UTF-8")
	}
}
