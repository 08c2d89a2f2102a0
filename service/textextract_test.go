package service

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("Failed to create zip entry: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("Failed to write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Failed to close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractTextPlain(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"utf8", []byte("  Chapter One\nIt began.  "), "Chapter One\nIt began."},
		{"utf8 bom", append([]byte{0xEF, 0xBB, 0xBF}, []byte("Hello")...), "Hello"},
		{"windows-1252", []byte{'C', 'a', 'f', 0xE9}, "Café"},
		{"utf16le bom", []byte{0xFF, 0xFE, 'H', 0, 'i', 0}, "Hi"},
		{"utf16be bom", []byte{0xFE, 0xFF, 0, 'H', 0, 'i'}, "Hi"},
		{"empty", []byte{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractText("book.TXT", tt.data)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestExtractTextDocx(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>The harbour</w:t></w:r><w:r><w:t xml:space="preserve"> was quiet.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second</w:t><w:tab/><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	got, err := ExtractText("novel.docx", buildDocx(t, doc))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := "The harbour was quiet.\nSecond\tparagraph."
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestExtractTextDocxMissingBody(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("word/styles.xml"); err != nil {
		t.Fatal(err)
	}
	zw.Close()

	if _, err := ExtractText("novel.docx", buf.Bytes()); err == nil {
		t.Error("Expected error for docx without document.xml")
	}
}

func TestExtractTextDocxNotZip(t *testing.T) {
	if _, err := ExtractText("novel.docx", []byte("not a zip file")); err == nil {
		t.Error("Expected error for invalid docx")
	}
}

func TestExtractTextPDFInvalid(t *testing.T) {
	if _, err := ExtractText("novel.pdf", []byte("%PDF-1.4 garbage")); err == nil {
		t.Error("Expected error for invalid PDF")
	}
}

func TestExtractTextUnsupported(t *testing.T) {
	_, err := ExtractText("novel.epub", []byte("data"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExtractTextLegacyDoc(t *testing.T) {
	var data []byte
	data = append(data, 0xD0, 0xCF, 0x11, 0xE0, 0x01, 0x02)
	data = append(data, []byte("It was a dark and stormy night.")...)
	data = append(data, 0x00, 0x03, 0x04)
	data = append(data, []byte("ab")...) // too short to keep
	data = append(data, 0x05)

	got, err := ExtractText("old.doc", data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "It was a dark and stormy night." {
		t.Errorf("Unexpected text %q", got)
	}
}

func TestExtractTextLegacyDocUTF16(t *testing.T) {
	var data []byte
	data = append(data, 0xD0, 0xCF, 0x11, 0xE0)
	for _, c := range "Wide text survives" {
		data = append(data, byte(c), 0)
	}
	data = append(data, 0x01, 0x02)

	got, err := ExtractText("old.doc", data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != "Wide text survives" {
		t.Errorf("Unexpected text %q", got)
	}
}

func TestTextFromContentStream(t *testing.T) {
	tests := []struct {
		name   string
		stream string
		want   string
	}{
		{
			name:   "simple Tj",
			stream: "BT /F1 12 Tf 72 712 Td (Hello World) Tj ET",
			want:   "Hello World",
		},
		{
			name:   "TJ array with kerning gap",
			stream: "BT [(Hel) -20 (lo) -300 (there)] TJ ET",
			want:   "Hello there",
		},
		{
			name:   "escapes and nested parens",
			stream: `BT (a \(b\) \\ c (d)) Tj ET`,
			want:   `a (b) \ c (d)`,
		},
		{
			name:   "octal escape",
			stream: `BT (caf\351) Tj ET`,
			want:   "café",
		},
		{
			name:   "hex string",
			stream: "BT <48656C6C6F> Tj ET",
			want:   "Hello",
		},
		{
			name:   "utf16 hex string",
			stream: "BT <FEFF00480069> Tj ET",
			want:   "Hi",
		},
		{
			name:   "next line operators",
			stream: "BT (Line one) Tj T* (Line two) Tj ET",
			want:   "Line one\nLine two",
		},
		{
			name:   "quote operator",
			stream: "BT (First) Tj (Second) ' ET",
			want:   "First\nSecond",
		},
		{
			name:   "strings without show operator are ignored",
			stream: "/Span << /ActualText (hidden) >> BDC EMC",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.TrimSpace(textFromContentStream([]byte(tt.stream)))
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}
