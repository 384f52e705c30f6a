//go:build linux

package mux

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

type wordSink struct {
	out   []byte
	limit int // words accepted per call, 0 for unlimited
}

func (w *wordSink) put(words []uint16) (int, error) {
	n := len(words)
	if w.limit > 0 && n > w.limit {
		n = w.limit
	}
	for _, v := range words[:n] {
		w.out = append(w.out, byte(v), byte(v>>8))
	}
	return n, nil
}

// feed writes chunks the way the reactor does: whatever is refused is
// offered again.
func feed(wp *wordPacker, sink *wordSink, chunks [][]byte) {
	for _, chunk := range chunks {
		for len(chunk) > 0 {
			n, _ := wp.write(chunk, sink.put)
			chunk = chunk[n:]
		}
	}
}

func TestWordPacker(t *testing.T) {
	var wp wordPacker
	sink := &wordSink{}

	n, err := wp.write([]byte("ABC"), sink.put)
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "AB", string(sink.out))
	assert.True(t, wp.held)

	n, _ = wp.write([]byte("D"), sink.put)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ABCD", string(sink.out))
	assert.False(t, wp.held)

	refuse := func([]uint16) (int, error) { return 0, nil }
	wp.write([]byte("E"), sink.put)
	n, _ = wp.write([]byte("F"), refuse)
	assert.Equal(t, 0, n, "held byte survives a refused word")
	assert.True(t, wp.held)

	wp.reset()
	assert.False(t, wp.held)
}

func TestUnpackWords(t *testing.T) {
	dst := make([]byte, 5)
	n := unpackWords(dst, []uint16{0x4241, 0x4443, 0x4645})
	assert.Equal(t, 4, n)
	assert.Equal(t, "ABCD", string(dst[:n]))
}

func TestWordPackerPreservesStreamProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("packed words carry the stream in order", prop.ForAll(
		func(chunks [][]byte, limit int) bool {
			var wp wordPacker
			sink := &wordSink{limit: limit}
			feed(&wp, sink, chunks)

			want := bytes.Join(chunks, nil)
			if len(want)%2 == 1 {
				if !wp.held || wp.odd != want[len(want)-1] {
					return false
				}
				want = want[:len(want)-1]
			}
			return bytes.Equal(sink.out, want)
		},
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
