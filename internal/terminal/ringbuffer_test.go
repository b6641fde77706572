package terminal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferWrap(t *testing.T) {
	b := NewRingBuffer(8)

	b.Write([]byte("abcde"))
	assert.Equal(t, "abcde", string(b.Bytes()))

	b.Write([]byte("fghij"))
	assert.Equal(t, "cdefghij", string(b.Bytes()))
	assert.Equal(t, 8, b.Len())
	assert.Equal(t, uint64(10), b.Total())
}

func TestRingBufferOversizedWrite(t *testing.T) {
	b := NewRingBuffer(4)
	b.Write([]byte("0123456789"))
	assert.Equal(t, "6789", string(b.Bytes()))
}

func TestRingBufferReadFrom(t *testing.T) {
	b := NewRingBuffer(8)
	b.Write([]byte("0123456789"))

	data, off := b.ReadFrom(0)
	assert.Equal(t, "23456789", string(data))
	assert.Equal(t, uint64(2), off)

	data, off = b.ReadFrom(7)
	assert.Equal(t, "789", string(data))
	assert.Equal(t, uint64(7), off)

	data, off = b.ReadFrom(10)
	assert.Empty(t, data)
	assert.Equal(t, uint64(10), off)
}

func TestSelectLines(t *testing.T) {
	data := []byte("one\ntwo\nthree\nfour\n")

	tests := []struct {
		name     string
		maxLines int
		r        Range
		want     string
	}{
		{"all", 0, Range{}, "one\ntwo\nthree\nfour\n"},
		{"last two", 0, Range{Lines: 2}, "three\nfour\n"},
		{"first two", 0, Range{Lines: 2, From: FromStart}, "one\ntwo\n"},
		{"more than retained", 0, Range{Lines: 50}, "one\ntwo\nthree\nfour\n"},
		{"line cap", 3, Range{}, "two\nthree\nfour\n"},
		{"line cap then first", 3, Range{Lines: 1, From: FromStart}, "two\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(selectLines(data, tt.maxLines, tt.r)))
		})
	}
}

func TestSelectLinesPartialLine(t *testing.T) {
	data := []byte("a\nb\nprompt$ ")
	assert.Equal(t, "b\nprompt$ ", string(selectLines(data, 0, Range{Lines: 2})))
	assert.Equal(t, "", string(selectLines(nil, 0, Range{Lines: 2})))
}

func TestRingBufferLargeVolume(t *testing.T) {
	b := NewRingBuffer(1024)
	line := strings.Repeat("x", 99) + "\n"
	for i := 0; i < 1000; i++ {
		b.Write([]byte(line))
	}
	assert.Equal(t, 1024, b.Len())
	assert.Equal(t, uint64(100000), b.Total())
}
