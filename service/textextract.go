package service

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// ErrUnsupportedFormat is returned for file types without an extractor
var ErrUnsupportedFormat = errors.New("unsupported file format")

// ExtractText returns the plain text of a manuscript file. The format is
// chosen by the extension of name.
func ExtractText(name string, data []byte) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "txt":
		text, err = decodePlainText(data)
	case "pdf":
		text, err = extractPDFText(data)
	case "docx":
		text, err = extractDocxText(data)
	case "doc":
		text = extractLegacyDocText(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// decodePlainText handles UTF-8 (with or without BOM), UTF-16 with BOM and
// falls back to Windows-1252 for anything else.
func decodePlainText(data []byte) (string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
		out, err := dec.Bytes(data)
		if err != nil {
			return "", fmt.Errorf("decode utf-16 text: %w", err)
		}
		return string(out), nil
	case utf8.Valid(data):
		return string(data), nil
	}
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode windows-1252 text: %w", err)
	}
	return string(out), nil
}

func extractPDFText(data []byte) (string, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}

	var sb strings.Builder
	for page := 1; page <= ctx.PageCount; page++ {
		r, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", page, err)
		}
		if r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read pdf page %d: %w", page, err)
		}
		sb.WriteString(textFromContentStream(content))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// textFromContentStream pulls the operands of text-showing operators out of
// a PDF content stream. Glyph mapping through font encodings is not done, so
// output is only meaningful for simple (Latin-1 style) fonts.
func textFromContentStream(b []byte) string {
	var (
		out      strings.Builder
		operands []string
		inArray  bool
	)
	flush := func() {
		for _, s := range operands {
			out.WriteString(s)
		}
	}

	i := 0
	for i < len(b) {
		c := b[i]
		switch {
		case c == '%':
			for i < len(b) && b[i] != '\n' && b[i] != '\r' {
				i++
			}
		case c == '(':
			s, n := readLiteralString(b[i:])
			operands = append(operands, s)
			i += n
		case c == '<' && i+1 < len(b) && b[i+1] == '<':
			i += 2
		case c == '>' && i+1 < len(b) && b[i+1] == '>':
			i += 2
		case c == '<':
			s, n := readHexString(b[i:])
			operands = append(operands, s)
			i += n
		case c == '/':
			// name object, always an operand
			i++
			for i < len(b) && !isPDFSpace(b[i]) && !isPDFDelimiter(b[i]) {
				i++
			}
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case isPDFSpace(c):
			i++
		default:
			start := i
			for i < len(b) && !isPDFSpace(b[i]) && !isPDFDelimiter(b[i]) {
				i++
			}
			if i == start {
				i++
				continue
			}
			tok := string(b[start:i])
			if inArray {
				// large negative kerning inside TJ marks a word gap
				if v, err := strconv.ParseFloat(tok, 64); err == nil && v < -150 {
					operands = append(operands, " ")
				}
				continue
			}
			if isPDFOperand(tok) {
				continue
			}
			switch tok {
			case "Tj", "TJ":
				flush()
			case "'", "\"":
				out.WriteString("\n")
				flush()
			case "T*", "ET":
				out.WriteString("\n")
			case "Td", "TD", "Tm":
				out.WriteString(" ")
			}
			operands = operands[:0]
		}
	}
	return out.String()
}

func isPDFSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isPDFDelimiter(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// isPDFOperand reports whether tok is a number or name rather than an operator
func isPDFOperand(tok string) bool {
	if tok == "" {
		return true
	}
	c := tok[0]
	return c == '/' || c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9')
}

// readLiteralString decodes a (...) string starting at b[0] and returns it
// with the number of bytes consumed.
func readLiteralString(b []byte) (string, int) {
	var buf []byte
	depth := 0
	i := 0
	for i < len(b) {
		c := b[i]
		switch c {
		case '(':
			if depth > 0 {
				buf = append(buf, c)
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				return decodePDFBytes(buf), i + 1
			}
			buf = append(buf, c)
		case '\\':
			i++
			if i >= len(b) {
				break
			}
			switch e := b[i]; e {
			case 'n':
				buf = append(buf, '\n')
			case 'r':
				buf = append(buf, '\r')
			case 't':
				buf = append(buf, '\t')
			case 'b':
				buf = append(buf, '\b')
			case 'f':
				buf = append(buf, '\f')
			case '\r', '\n':
				// line continuation
				if e == '\r' && i+1 < len(b) && b[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := 0
					n := 0
					for n < 3 && i < len(b) && b[i] >= '0' && b[i] <= '7' {
						v = v*8 + int(b[i]-'0')
						i++
						n++
					}
					i--
					buf = append(buf, byte(v))
				} else {
					buf = append(buf, e)
				}
			}
		default:
			buf = append(buf, c)
		}
		i++
	}
	return decodePDFBytes(buf), len(b)
}

func readHexString(b []byte) (string, int) {
	var digits []byte
	i := 1
	for i < len(b) && b[i] != '>' {
		if isHexDigit(b[i]) {
			digits = append(digits, b[i])
		}
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, len(digits)/2)
	for j := range raw {
		raw[j] = hexVal(digits[2*j])<<4 | hexVal(digits[2*j+1])
	}
	if i < len(b) {
		i++
	}
	return decodePDFBytes(raw), i
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// decodePDFBytes interprets string bytes as UTF-16BE when BOM-prefixed and as
// Latin-1 otherwise.
func decodePDFBytes(raw []byte) string {
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		u := make([]uint16, 0, (len(raw)-2)/2)
		for j := 2; j+1 < len(raw); j += 2 {
			u = append(u, uint16(raw[j])<<8|uint16(raw[j+1]))
		}
		return string(utf16.Decode(u))
	}
	runes := make([]rune, len(raw))
	for j, c := range raw {
		runes[j] = rune(c)
	}
	return string(runes)
}

func extractDocxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()
		return docxBodyText(rc)
	}
	return "", fmt.Errorf("docx has no word/document.xml")
}

func docxBodyText(r io.Reader) (string, error) {
	var sb strings.Builder
	dec := xml.NewDecoder(r)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br", "cr":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

const minDocRun = 4

// extractLegacyDocText recovers readable runs from a binary .doc file. Word
// stores text either as single-byte or as UTF-16LE; both scans are made and
// the longer result wins.
func extractLegacyDocText(data []byte) string {
	narrow := printableRuns(data, 1)
	wide := printableRuns(data, 2)
	if len(wide) > len(narrow) {
		return wide
	}
	return narrow
}

func printableRuns(data []byte, stride int) string {
	var (
		out strings.Builder
		run []byte
	)
	emit := func() {
		if len(run) >= minDocRun {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.Write(run)
		}
		run = run[:0]
	}
	for i := 0; i+stride-1 < len(data); i += stride {
		c := data[i]
		if stride == 2 && data[i+1] != 0 {
			emit()
			continue
		}
		if (c >= 0x20 && c < 0x7F) || c == '\t' {
			run = append(run, c)
			continue
		}
		if c == '\r' || c == '\n' {
			run = append(run, '\n')
			continue
		}
		emit()
	}
	emit()
	return out.String()
}
