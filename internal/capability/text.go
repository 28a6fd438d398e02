package capability

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"

	"pdfbot/internal/models"
)

const contentMarker = "_Content_page_"

// ExtractText writes the text shown on every page to a single .txt file.
func (t *Toolkit) ExtractText(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	contentDir := filepath.Join(workDir, "content")
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	if err := api.ExtractContentFile(in.Path, contentDir, nil, t.conf); err != nil {
		return nil, fmt.Errorf("extract content: %w", err)
	}
	pages, err := readContentPages(contentDir)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(p.path)
		if err != nil {
			return nil, fmt.Errorf("read content of page %d: %w", p.number, err)
		}
		text := TextFromContent(string(raw))
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("no extractable text found")
	}

	out := filepath.Join(workDir, "text.txt")
	if err := os.WriteFile(out, []byte(b.String()+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write text: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "text", models.KindText), Kind: models.KindText}}, nil
}

type contentPage struct {
	number int
	path   string
}

func readContentPages(dir string) ([]contentPage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read content dir: %w", err)
	}
	var pages []contentPage
	for _, e := range entries {
		name := e.Name()
		idx := strings.LastIndex(name, contentMarker)
		if idx < 0 || !strings.HasSuffix(name, ".txt") {
			continue
		}
		digits := name[idx+len(contentMarker):]
		end := 0
		for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
			end++
		}
		n, err := strconv.Atoi(digits[:end])
		if err != nil {
			continue
		}
		pages = append(pages, contentPage{number: n, path: filepath.Join(dir, name)})
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].number < pages[j].number })
	return pages, nil
}

// TextFromContent returns the strings drawn by the text operators of a decoded
// content stream. Each text line becomes one output line.
func TextFromContent(content string) string {
	var (
		lines   []string
		line    strings.Builder
		pending []string
	)
	flush := func() {
		if s := strings.TrimSpace(line.String()); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}

	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '%':
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case c == '(':
			s, next := readLiteral(content, i)
			pending = append(pending, decodeTextString(s))
			i = next
		case c == '<' && i+1 < len(content) && content[i+1] == '<':
			i += 2
		case c == '<':
			s, next := readHexString(content, i)
			pending = append(pending, decodeTextString(s))
			i = next
		case c == '/':
			i++
			for i < len(content) && isRegular(content[i]) {
				i++
			}
		case isRegular(c):
			start := i
			for i < len(content) && isRegular(content[i]) {
				i++
			}
			switch op := content[start:i]; op {
			case "Tj", "TJ":
				line.WriteString(strings.Join(pending, ""))
			case "'", "\"":
				flush()
				line.WriteString(strings.Join(pending, ""))
			case "Td", "TD", "T*", "ET":
				flush()
			}
			if !isNumber(content[start:i]) {
				pending = pending[:0]
			}
		default:
			i++
		}
	}
	flush()
	return strings.Join(lines, "\n")
}

func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0, '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}

func isNumber(tok string) bool {
	_, err := strconv.ParseFloat(tok, 64)
	return err == nil
}

// readLiteral decodes a (...) string starting at content[start] and returns the index after it.
func readLiteral(content string, start int) (string, int) {
	var b strings.Builder
	depth := 0
	i := start
	for i < len(content) {
		c := content[i]
		switch c {
		case '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
			i++
		case ')':
			depth--
			i++
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		case '\\':
			i++
			if i >= len(content) {
				return b.String(), i
			}
			e := content[i]
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case '\r', '\n':
				// line continuation
				if e == '\r' && i+1 < len(content) && content[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					n := 0
					j := 0
					for j < 3 && i < len(content) && content[i] >= '0' && content[i] <= '7' {
						n = n*8 + int(content[i]-'0')
						i++
						j++
					}
					b.WriteByte(byte(n))
					continue
				}
				b.WriteByte(e)
			}
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i
}

func readHexString(content string, start int) (string, int) {
	end := strings.IndexByte(content[start:], '>')
	if end < 0 {
		return "", len(content)
	}
	raw := strings.Map(func(r rune) rune {
		if strings.ContainsRune(" \t\r\n\f", r) {
			return -1
		}
		return r
	}, content[start+1:start+end])
	if len(raw)%2 == 1 {
		raw += "0"
	}
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return "", start + end + 1
	}
	return string(decoded), start + end + 1
}

// decodeTextString turns the raw bytes of a string operand into UTF-8 text.
// Strings with a UTF-16 byte order mark or with NUL high bytes, as written for
// two byte CID fonts, are read as UTF-16BE; everything else as WinAnsi.
func decodeTextString(raw string) string {
	if raw == "" {
		return ""
	}
	var (
		s   string
		err error
	)
	if strings.HasPrefix(raw, "\xfe\xff") || looksUTF16(raw) {
		s, err = xunicode.UTF16(xunicode.BigEndian, xunicode.UseBOM).NewDecoder().String(raw)
	} else {
		s, err = charmap.Windows1252.NewDecoder().String(raw)
	}
	if err != nil {
		s = raw
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case r == unicode.ReplacementChar, unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.ToValidUTF8(s, "")
}

func looksUTF16(raw string) bool {
	if len(raw) < 2 || len(raw)%2 != 0 {
		return false
	}
	for i := 0; i < len(raw); i += 2 {
		if raw[i] == 0 {
			return true
		}
	}
	return false
}
