package protocol

import "encoding/binary"

// StreamReader reassembles complete envelope packets from a TCP byte stream.
// One reader exists per connection; it keeps partial data pending until the
// rest arrives. After corruption it resyncs by scanning forward for the next
// plausible envelope header.
type StreamReader struct {
	pending []byte
}

// NewStreamReader creates an empty reassembler.
func NewStreamReader() *StreamReader {
	return &StreamReader{}
}

// Feed appends data and returns all complete envelope packets now available.
func (sr *StreamReader) Feed(data []byte) [][]byte {
	sr.pending = append(sr.pending, data...)

	var packets [][]byte
	for {
		packet := sr.extract()
		if packet == nil {
			break
		}
		packets = append(packets, packet)
	}
	return packets
}

// Pending returns the number of buffered bytes awaiting completion.
func (sr *StreamReader) Pending() int {
	return len(sr.pending)
}

func (sr *StreamReader) extract() []byte {
	for {
		if len(sr.pending) < 2 {
			return nil
		}

		if sr.pending[0] != magicHi || sr.pending[1] != magicLo {
			sr.resync()
			continue
		}
		if len(sr.pending) < EnvelopeHeaderSize {
			return nil
		}

		length := int(binary.BigEndian.Uint16(sr.pending[19:21]))
		if sr.pending[2] != Version || length > MaxBody {
			// Header is garbage; treat the magic match as coincidence.
			sr.pending = sr.pending[1:]
			sr.resync()
			continue
		}

		total := EnvelopeHeaderSize + length
		if len(sr.pending) < total {
			return nil
		}

		packet := make([]byte, total)
		copy(packet, sr.pending[:total])
		sr.pending = sr.pending[total:]
		return packet
	}
}

// resync discards bytes up to the next magic sequence, or everything except a
// trailing magic-high byte that may begin the next packet.
func (sr *StreamReader) resync() {
	for i := 0; i < len(sr.pending)-1; i++ {
		if sr.pending[i] == magicHi && sr.pending[i+1] == magicLo {
			sr.pending = sr.pending[i:]
			return
		}
	}
	if n := len(sr.pending); n > 0 && sr.pending[n-1] == magicHi {
		sr.pending = sr.pending[n-1:]
		return
	}
	sr.pending = nil
}
