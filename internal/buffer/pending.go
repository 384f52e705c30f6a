package buffer

// TransferSize is the largest single transfer in either direction and the
// capacity of a Pending buffer.
const TransferSize = 2048

// Pending holds bytes that were read from one side but not yet accepted by
// the other. It never grows beyond TransferSize.
type Pending struct {
	buf [TransferSize]byte
	off int
	n   int
}

// Space returns the whole backing array for a fresh read. Only valid while
// the buffer is empty.
func (p *Pending) Space() []byte {
	return p.buf[:]
}

// Hold marks buf[from:to] of the last Space read as pending.
func (p *Pending) Hold(from, to int) {
	if from >= to {
		p.Reset()
		return
	}
	p.off = from
	p.n = to - from
}

// Bytes returns the pending bytes.
func (p *Pending) Bytes() []byte {
	return p.buf[p.off : p.off+p.n]
}

// Consume drops the first k pending bytes.
func (p *Pending) Consume(k int) {
	if k >= p.n {
		p.Reset()
		return
	}
	p.off += k
	p.n -= k
}

// Len returns the number of pending bytes.
func (p *Pending) Len() int {
	return p.n
}

// Empty reports whether nothing is pending.
func (p *Pending) Empty() bool {
	return p.n == 0
}

// Reset discards everything.
func (p *Pending) Reset() {
	p.off = 0
	p.n = 0
}
