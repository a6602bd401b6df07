// Package escpos encodes the subset of ESC/POS used by 58mm thermal receipt
// printers: initialisation, alignment, character size, emphasis, line feed and
// partial cut.
package escpos

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

const (
	ESC byte = 0x1b
	GS  byte = 0x1d
	LF  byte = 0x0a
)

// LineWidth is the number of characters per line at normal size on 58mm paper.
const LineWidth = 32

type Align byte

const (
	AlignLeft   Align = 0
	AlignCenter Align = 1
	AlignRight  Align = 2
)

// Size is the ESC ! print mode byte.
type Size byte

const (
	SizeNormal       Size = 0x00
	SizeDoubleHeight Size = 0x10
	SizeDoubleWidth  Size = 0x20
	SizeDouble       Size = 0x30
)

var (
	cmdInit = []byte{ESC, '@'}
	cmdCut  = []byte{GS, 'V', 1}
)

// InitSequence returns ESC @.
func InitSequence() []byte {
	return append([]byte(nil), cmdInit...)
}

// CutSequence returns GS V 1 (partial cut).
func CutSequence() []byte {
	return append([]byte(nil), cmdCut...)
}

// Buffer accumulates a printer command stream. The zero value is ready to use.
type Buffer struct {
	b bytes.Buffer
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Init() *Buffer {
	b.b.Write(cmdInit)
	return b
}

func (b *Buffer) Align(a Align) *Buffer {
	b.b.Write([]byte{ESC, 'a', byte(a)})
	return b
}

func (b *Buffer) Size(s Size) *Buffer {
	b.b.Write([]byte{ESC, '!', byte(s)})
	return b
}

func (b *Buffer) Bold(on bool) *Buffer {
	var n byte
	if on {
		n = 1
	}
	b.b.Write([]byte{ESC, 'E', n})
	return b
}

// Text writes s as UTF-8 without a line feed.
func (b *Buffer) Text(s string) *Buffer {
	b.b.WriteString(s)
	return b
}

// Line writes s followed by LF.
func (b *Buffer) Line(s string) *Buffer {
	b.b.WriteString(s)
	b.b.WriteByte(LF)
	return b
}

// Feed writes n line feeds.
func (b *Buffer) Feed(n int) *Buffer {
	for i := 0; i < n; i++ {
		b.b.WriteByte(LF)
	}
	return b
}

// Rule writes a full-width line of ch.
func (b *Buffer) Rule(ch rune) *Buffer {
	return b.Line(strings.Repeat(string(ch), LineWidth))
}

func (b *Buffer) Cut() *Buffer {
	b.b.Write(cmdCut)
	return b
}

func (b *Buffer) Len() int {
	return b.b.Len()
}

// Bytes returns a copy of the accumulated stream.
func (b *Buffer) Bytes() []byte {
	return append([]byte(nil), b.b.Bytes()...)
}

// Columns returns left and right separated by enough spaces for right to end
// at column width. At least one space is always kept, so overlong lines just
// run past the column instead of losing the separator.
func Columns(left, right string, width int) string {
	pad := width - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if pad < 1 {
		pad = 1
	}
	return left + strings.Repeat(" ", pad) + right
}

// Chunk splits data into consecutive slices of at most size bytes. The slices
// alias data.
func Chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = len(data)
	}
	if len(data) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end:end])
	}
	return chunks
}
