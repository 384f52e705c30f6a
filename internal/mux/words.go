//go:build linux

package mux

import "github.com/valentic/serialmux/internal/buffer"

// wordPacker turns a client byte stream into little-endian 16-bit words for
// raw mode channels. A trailing odd byte is held until its partner arrives.
type wordPacker struct {
	odd     byte
	held    bool
	scratch [buffer.TransferSize / 2]uint16
}

func (wp *wordPacker) reset() {
	wp.held = false
	wp.odd = 0
}

// write packs p and hands words to put. It returns how many bytes of p were
// taken, counting a newly held odd byte as taken.
func (wp *wordPacker) write(p []byte, put func([]uint16) (int, error)) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	if wp.held {
		wp.scratch[0] = uint16(wp.odd) | uint16(p[0])<<8
		k, err := put(wp.scratch[:1])
		if err != nil {
			return 0, err
		}
		if k == 0 {
			return 0, nil
		}
		wp.held = false
		n = 1
	}

	rest := p[n:]
	pairs := len(rest) / 2
	if pairs > len(wp.scratch) {
		pairs = len(wp.scratch)
	}
	if pairs > 0 {
		for i := 0; i < pairs; i++ {
			wp.scratch[i] = uint16(rest[2*i]) | uint16(rest[2*i+1])<<8
		}
		k, err := put(wp.scratch[:pairs])
		if err != nil {
			return n, err
		}
		n += 2 * k
		if k < pairs {
			return n, nil
		}
	}

	if len(p)-n == 1 {
		wp.odd = p[n]
		wp.held = true
		n++
	}
	return n, nil
}

// unpackWords writes w into dst as little-endian bytes and returns the byte
// count.
func unpackWords(dst []byte, w []uint16) int {
	n := 0
	for _, v := range w {
		if n+2 > len(dst) {
			break
		}
		dst[n] = byte(v)
		dst[n+1] = byte(v >> 8)
		n += 2
	}
	return n
}
