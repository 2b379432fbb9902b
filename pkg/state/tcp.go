package state

import (
	"time"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

// MaxAckWindow bounds how far an acknowledgement may lie behind or ahead of
// the data seen from the other peer.
const MaxAckWindow = 0xffff + 1500

func seqGEQ(a, b uint32) bool { return int32(a-b) >= 0 }
func seqGT(a, b uint32) bool  { return int32(a-b) > 0 }

// Segment is the part of a TCP header the tracker looks at. Seq and Ack are
// the values found on the wire.
type Segment struct {
	Seq   uint32
	Ack   uint32
	Win   uint16
	Flags uint8
	// Len is the payload length.
	Len int
}

// End returns the sequence number following the segment.
func (seg *Segment) End() uint32 {
	end := seg.Seq + uint32(seg.Len)
	if seg.Flags&filter.TCPSyn != 0 {
		end++
	}
	if seg.Flags&filter.TCPFin != 0 {
		end++
	}
	return end
}

// SeqRewrite holds the sequence numbers a modulated packet leaves with.
type SeqRewrite struct {
	Seq     uint32
	Ack     uint32
	Changed bool
}

// ISN returns a random initial sequence number.
type ISN func() uint32

func newSeqDiff(isn ISN, seq uint32) uint32 {
	d := isn() - seq
	if d == 0 {
		d = 1
	}
	return d
}

func maxWin(w uint16) uint16 {
	if w == 0 {
		return 1
	}
	return w
}

// InitTCP sets up tracking from the segment that created the state.
func (s *State) InitTCP(seg Segment, now time.Time, tm *timeouts.Table, isn ISN) SeqRewrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Src = Peer{
		SeqLo:  seg.End(),
		MaxWin: maxWin(seg.Win),
		State:  PeerOpening,
	}
	s.Src.SeqHi = s.Src.SeqLo + 1
	s.Dst = Peer{SeqLo: 0, SeqHi: 1, MaxWin: 1, State: PeerNone}
	s.Creation = now
	s.Expire = now.Add(tm.Duration(timeouts.TCPFirstPacket))
	s.Packets = 1
	s.Bytes = uint64(seg.Len)
	if s.Modulate && isn != nil {
		s.Src.SeqDiff = newSeqDiff(isn, seg.Seq)
		return SeqRewrite{Seq: seg.Seq + s.Src.SeqDiff, Ack: seg.Ack, Changed: true}
	}
	return SeqRewrite{Seq: seg.Seq, Ack: seg.Ack}
}

// TrackTCP advances the sequence windows with a segment sent from side and
// refreshes the deadline. It returns false when the segment falls outside
// the tracked windows, in which case the state is left unchanged.
func (s *State) TrackTCP(side Side, seg Segment, now time.Time, tm *timeouts.Table, isn ISN) (SeqRewrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := s.Peers(side)
	saved := *src

	if src.SeqLo == 0 && src.SeqDiff == 0 && s.Modulate && isn != nil {
		src.SeqDiff = newSeqDiff(isn, seg.Seq)
	}
	seq := seg.Seq
	ack := seg.Ack - dst.SeqDiff
	end := seg.End()
	win := seg.Win

	if src.SeqLo == 0 {
		src.SeqLo = end
		src.SeqHi = end + 1
		src.MaxWin = 1
	}
	if seg.Flags&filter.TCPAck == 0 {
		ack = dst.SeqLo
	} else if seg.Ack == 0 && seg.Flags&(filter.TCPAck|filter.TCPRst) == filter.TCPAck|filter.TCPRst {
		ack = dst.SeqLo
	}
	if seq == end {
		seq = src.SeqLo
		end = seq
	}
	ackskew := int64(int32(dst.SeqLo - ack))

	if !seqGEQ(src.SeqHi, end) ||
		!seqGEQ(seq, src.SeqLo-uint32(dst.MaxWin)) ||
		ackskew < -MaxAckWindow || ackskew > MaxAckWindow {
		*src = saved
		return SeqRewrite{}, false
	}

	if ackskew < 0 {
		dst.SeqLo = ack
	}
	s.Packets++
	s.Bytes += uint64(seg.Len)
	if src.MaxWin < win {
		src.MaxWin = win
	}
	if seqGT(end, src.SeqLo) {
		src.SeqLo = end
	}
	if seqGEQ(ack+uint32(win), dst.SeqHi) {
		dst.SeqHi = ack + uint32(maxWin(win))
	}

	if seg.Flags&filter.TCPSyn != 0 && src.State < PeerOpening {
		src.State = PeerOpening
	}
	if seg.Flags&filter.TCPFin != 0 && src.State < PeerClosing {
		src.State = PeerClosing
	}
	if seg.Flags&filter.TCPAck != 0 {
		switch dst.State {
		case PeerOpening:
			dst.State = PeerEstablished
		case PeerClosing:
			dst.State = PeerFinWait
		}
	}
	if seg.Flags&filter.TCPRst != 0 {
		src.State = PeerClosed
		dst.State = PeerClosed
	}
	s.Expire = now.Add(tm.Duration(tcpTimeout(src.State, dst.State)))

	rw := SeqRewrite{Seq: seg.Seq, Ack: seg.Ack}
	if src.SeqDiff != 0 {
		rw.Seq = seg.Seq + src.SeqDiff
		rw.Changed = true
	}
	if dst.SeqDiff != 0 && seg.Flags&filter.TCPAck != 0 {
		rw.Ack = seg.Ack - dst.SeqDiff
		rw.Changed = true
	}
	return rw, true
}

func tcpTimeout(a, b PeerState) timeouts.Timeout {
	switch {
	case a >= PeerClosed && b >= PeerClosed:
		return timeouts.TCPClosed
	case a >= PeerFinWait && b >= PeerFinWait:
		return timeouts.TCPFinWait
	case a >= PeerClosing && b >= PeerClosing:
		return timeouts.TCPClosing
	case a < PeerEstablished || b < PeerEstablished:
		return timeouts.TCPOpening
	}
	return timeouts.TCPEstablished
}

// CheckQuotedTCP validates the sequence number of a TCP segment quoted in an
// ICMP error sent from side. Only the sequence number is available, so no
// acknowledgement check is made. It returns the sequence number the quoted
// segment had before modulation.
func (s *State) CheckQuotedTCP(side Side, seq uint32) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The quoted segment was sent by the other end.
	dst, src := s.Peers(side)
	seq -= src.SeqDiff
	if !seqGEQ(src.SeqHi, seq) || !seqGEQ(seq, src.SeqLo-uint32(dst.MaxWin)) {
		return 0, false
	}
	return seq, true
}

// InitUDP sets up a state created by a UDP datagram of length payload bytes.
func (s *State) InitUDP(length int, now time.Time, tm *timeouts.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Src = Peer{State: PeerOpening}
	s.Dst = Peer{State: PeerNone}
	s.Creation = now
	s.Expire = now.Add(tm.Duration(timeouts.UDPFirstPacket))
	s.Packets = 1
	s.Bytes = uint64(length)
}

// TrackUDP records a datagram sent from side. A flow becomes multiple once
// both ends have sent.
func (s *State) TrackUDP(side Side, length int, now time.Time, tm *timeouts.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, dst := s.Peers(side)
	s.Packets++
	s.Bytes += uint64(length)
	if src.State < PeerOpening {
		src.State = PeerOpening
	}
	if dst.State == PeerOpening {
		dst.State = PeerEstablished
	}
	if src.State == PeerEstablished && dst.State == PeerEstablished {
		s.Expire = now.Add(tm.Duration(timeouts.UDPMultiple))
	} else {
		s.Expire = now.Add(tm.Duration(timeouts.UDPSingle))
	}
}

// InitICMP sets up a state created by an ICMP query.
func (s *State) InitICMP(length int, now time.Time, tm *timeouts.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Creation = now
	s.Expire = now.Add(tm.Duration(timeouts.ICMPFirstPacket))
	s.Packets = 1
	s.Bytes = uint64(length)
}

// TrackICMP records a query or reply matching the state.
func (s *State) TrackICMP(length int, now time.Time, tm *timeouts.Table) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Packets++
	s.Bytes += uint64(length)
	s.Expire = now.Add(tm.Duration(timeouts.ICMPErrorReply))
}
