package state

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func hp(addr string, port uint16) HostPort {
	return HostPort{Addr: netip.MustParseAddr(addr), Port: port}
}

// newFlow returns an untranslated state of a flow opened from a to b in
// direction dir.
func newFlow(dir filter.Direction, a HostPort, b HostPort) *State {
	s := &State{Proto: layers.IPProtocolTCP, Direction: dir}
	if dir == filter.Out {
		s.Lan, s.Gwy, s.Ext = a, a, b
	} else {
		s.Lan, s.Gwy, s.Ext = b, b, a
	}
	return s
}

func TestKeyCompare(t *testing.T) {
	a := Key{Proto: layers.IPProtocolTCP, Addr: [2]netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, Port: [2]uint16{1, 2}}
	tcs := []struct {
		name string
		b    Key
		want int
	}{
		{"equal", a, 0},
		{"proto", Key{Proto: layers.IPProtocolUDP, Addr: a.Addr, Port: a.Port}, -1},
		{"addr", a.Reverse(), -1},
		{"port", Key{Proto: a.Proto, Addr: a.Addr, Port: [2]uint16{1, 1}}, 1},
	}
	for _, tc := range tcs {
		if got := a.Compare(tc.b); got != tc.want {
			t.Errorf("%s: wrong\n got: %v\nwant: %v\n", tc.name, got, tc.want)
		}
	}
	if a.Reverse().Reverse() != a {
		t.Errorf("reverse is not an involution")
	}
}

func TestStateKeySymmetry(t *testing.T) {
	tbl := NewTable(nil)
	client, server := hp("10.0.0.1", 5000), hp("10.0.0.2", 80)
	s := newFlow(filter.Out, client, server)
	if err := tbl.Insert(s); err != nil {
		t.Fatal(err)
	}
	fwd := Key{Proto: layers.IPProtocolTCP, Addr: [2]netip.Addr{client.Addr, server.Addr}, Port: [2]uint16{client.Port, server.Port}}

	if got := tbl.Lookup(fwd); got != s {
		t.Errorf("original direction: wrong\n got: %v\nwant: %v\n", got, s)
	}
	if got := tbl.Lookup(fwd.Reverse()); got != s {
		t.Errorf("reply direction: wrong\n got: %v\nwant: %v\n", got, s)
	}

	got, side := tbl.Find(filter.Out, fwd)
	if got != s || side != SideLan {
		t.Errorf("find out: wrong\n got: %v %v\nwant: %v %v\n", got, side, s, SideLan)
	}
	got, side = tbl.Find(filter.In, fwd.Reverse())
	if got != s || side != SideExt {
		t.Errorf("find reply: wrong\n got: %v %v\nwant: %v %v\n", got, side, s, SideExt)
	}
	// Both ends seen in the same direction.
	got, side = tbl.Find(filter.Out, fwd.Reverse())
	if got != s || side != SideExt {
		t.Errorf("find reply out: wrong\n got: %v %v\nwant: %v %v\n", got, side, s, SideExt)
	}
}

func TestTranslatedStateIsNotFoundThroughOtherIndex(t *testing.T) {
	tbl := NewTable(nil)
	s := &State{
		Proto:     layers.IPProtocolTCP,
		Direction: filter.Out,
		Lan:       hp("10.0.0.1", 5000),
		Gwy:       hp("203.0.113.1", 50001),
		Ext:       hp("198.51.100.1", 80),
	}
	if err := tbl.Insert(s); err != nil {
		t.Fatal(err)
	}
	reply := s.ExtGwyKey()
	if got, side := tbl.Find(filter.In, reply); got != s || side != SideExt {
		t.Errorf("reply: wrong\n got: %v %v\nwant: %v %v\n", got, side, s, SideExt)
	}
	if got, _ := tbl.Find(filter.Out, reply); got != nil {
		t.Errorf("translated reply outbound: wrong\n got: %v\nwant: nil\n", got)
	}
	if !tbl.InUse(reply) {
		t.Errorf("translated port not reported in use")
	}
}

func TestInsertRejectsDuplicate(t *testing.T) {
	st := status.New()
	tbl := NewTable(st)
	a, b := hp("10.0.0.1", 5000), hp("10.0.0.2", 80)
	if err := tbl.Insert(newFlow(filter.Out, a, b)); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(newFlow(filter.Out, a, b)); !errors.Is(err, ErrStateExists) {
		t.Errorf("duplicate: wrong\n got: %v\nwant: %v\n", err, ErrStateExists)
	}
	info := st.Snapshot()
	if info.States != 1 || info.FCounters[status.FcntStateInsert] != 1 {
		t.Errorf("status: wrong\n got: states %d inserts %d\nwant: 1 1\n", info.States, info.FCounters[status.FcntStateInsert])
	}
}

func TestConcurrentInsertKeepsOneState(t *testing.T) {
	tbl := NewTable(nil)
	a, b := hp("10.0.0.1", 5000), hp("10.0.0.2", 80)
	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []*State
		rejected int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := newFlow(filter.Out, a, b)
			<-start
			err := tbl.Insert(s)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, s)
			case errors.Is(err, ErrStateExists):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if len(winners) != 1 || rejected != workers-1 {
		t.Fatalf("wrong\n got: %d inserted %d rejected\nwant: 1 inserted %d rejected\n", len(winners), rejected, workers-1)
	}
	if tbl.Len() != 1 {
		t.Errorf("len: wrong\n got: %v\nwant: %v\n", tbl.Len(), 1)
	}
	if got := tbl.Lookup(winners[0].LanExtKey()); got != winners[0] {
		t.Errorf("surviving state: wrong\n got: %v\nwant: %v\n", got, winners[0])
	}
}

func TestInsertLimit(t *testing.T) {
	tbl := NewTable(nil)
	tbl.SetLimit(1)
	if err := tbl.Insert(newFlow(filter.Out, hp("10.0.0.1", 1), hp("10.0.0.2", 2))); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert(newFlow(filter.Out, hp("10.0.0.1", 3), hp("10.0.0.2", 4))); !errors.Is(err, ErrStateLimit) {
		t.Errorf("wrong\n got: %v\nwant: %v\n", err, ErrStateLimit)
	}
}

func TestPurgeRemovesExpired(t *testing.T) {
	st := status.New()
	tbl := NewTable(st)
	now := time.Unix(1000, 0)
	old := newFlow(filter.Out, hp("10.0.0.1", 1), hp("10.0.0.2", 2))
	old.Expire = now.Add(-time.Second)
	live := newFlow(filter.Out, hp("10.0.0.1", 3), hp("10.0.0.2", 4))
	live.Expire = now.Add(time.Minute)
	for _, s := range []*State{old, live} {
		if err := tbl.Insert(s); err != nil {
			t.Fatal(err)
		}
	}
	if n := tbl.Purge(now); n != 1 {
		t.Errorf("purged: wrong\n got: %v\nwant: %v\n", n, 1)
	}
	if tbl.Lookup(old.LanExtKey()) != nil {
		t.Errorf("expired state still present")
	}
	if err := tbl.Remove(old); !errors.Is(err, ErrStateNotFound) {
		t.Errorf("remove twice: wrong\n got: %v\nwant: %v\n", err, ErrStateNotFound)
	}
	info := st.Snapshot()
	if info.FCounters[status.FcntStateRemovals] != 1 || info.States != 1 {
		t.Errorf("status: wrong\n got: removals %d states %d\nwant: 1 1\n", info.FCounters[status.FcntStateRemovals], info.States)
	}
}

func TestListIsOrdered(t *testing.T) {
	tbl := NewTable(nil)
	for _, port := range []uint16{30, 10, 20} {
		if err := tbl.Insert(newFlow(filter.In, hp("198.51.100.1", port), hp("10.0.0.2", 80))); err != nil {
			t.Fatal(err)
		}
	}
	var got []uint16
	for _, s := range tbl.List() {
		got = append(got, s.Ext.Port)
	}
	if diff := cmp.Diff([]uint16{10, 20, 30}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestDetachRule(t *testing.T) {
	tbl := NewTable(nil)
	r1, r2 := &filter.Rule{Nr: 1}, &filter.Rule{Nr: 2}
	s1 := newFlow(filter.Out, hp("10.0.0.1", 1), hp("10.0.0.2", 2))
	s1.SetRule(r1)
	s2 := newFlow(filter.Out, hp("10.0.0.1", 3), hp("10.0.0.2", 4))
	s2.SetRule(r2)
	for _, s := range []*State{s1, s2} {
		if err := tbl.Insert(s); err != nil {
			t.Fatal(err)
		}
	}
	tbl.DetachRule(r1)
	if s1.Rule() != nil || s2.Rule() != r2 {
		t.Errorf("detach one: wrong\n got: %v %v\nwant: nil %v\n", s1.Rule(), s2.Rule(), r2)
	}
	tbl.DetachRule(nil)
	if s2.Rule() != nil {
		t.Errorf("detach all: wrong\n got: %v\nwant: nil\n", s2.Rule())
	}
}

func TestTCPHandshake(t *testing.T) {
	tm := timeouts.New()
	now := time.Unix(5000, 0)
	s := newFlow(filter.In, hp("10.0.0.1", 5000), hp("10.0.0.2", 80))
	s.InitTCP(Segment{Seq: 1000, Flags: filter.TCPSyn, Win: 16384}, now, tm, nil)

	// SYN-ACK from the server, the lan side of an inbound state.
	if _, ok := s.TrackTCP(SideLan, Segment{Seq: 7000, Ack: 1001, Flags: filter.TCPSyn | filter.TCPAck, Win: 65535}, now, tm, nil); !ok {
		t.Fatalf("syn-ack rejected")
	}
	// ACK from the client.
	if _, ok := s.TrackTCP(SideExt, Segment{Seq: 1001, Ack: 7001, Flags: filter.TCPAck, Win: 16384}, now, tm, nil); !ok {
		t.Fatalf("ack rejected")
	}
	info := s.Info()
	if info.Src.State != PeerEstablished || info.Dst.State != PeerEstablished {
		t.Errorf("states: wrong\n got: %v/%v\nwant: %v/%v\n", info.Src.State, info.Dst.State, PeerEstablished, PeerEstablished)
	}
	if info.Src.SeqLo != 1001 || info.Dst.SeqLo != 7001 {
		t.Errorf("seqlo: wrong\n got: %d/%d\nwant: 1001/7001\n", info.Src.SeqLo, info.Dst.SeqLo)
	}
	if want := now.Add(tm.Duration(timeouts.TCPEstablished)); !info.Expire.Equal(want) {
		t.Errorf("expire: wrong\n got: %v\nwant: %v\n", info.Expire, want)
	}

	// Data far outside the window is rejected and changes nothing.
	if _, ok := s.TrackTCP(SideExt, Segment{Seq: 1001 + 1<<30, Ack: 7001, Flags: filter.TCPAck | filter.TCPPsh, Len: 100}, now, tm, nil); ok {
		t.Errorf("out of window segment accepted")
	}
	if diff := cmp.Diff(info, s.Info(), addrComparer); diff != "" {
		t.Errorf("rejected segment changed the state (-want +got):\n%s", diff)
	}

	// A valid reset closes both peers.
	if _, ok := s.TrackTCP(SideExt, Segment{Seq: 1001, Ack: 7001, Flags: filter.TCPAck | filter.TCPRst}, now, tm, nil); !ok {
		t.Fatalf("reset rejected")
	}
	info = s.Info()
	if info.Src.State != PeerClosed || info.Dst.State != PeerClosed {
		t.Errorf("after reset: wrong\n got: %v/%v\nwant: CLOSED/CLOSED\n", info.Src.State, info.Dst.State)
	}
}

func TestTCPModulation(t *testing.T) {
	tm := timeouts.New()
	now := time.Unix(5000, 0)
	isn := func() uint32 { return 900000 }
	s := newFlow(filter.Out, hp("10.0.0.1", 5000), hp("10.0.0.2", 80))
	s.Modulate = true
	rw := s.InitTCP(Segment{Seq: 1000, Flags: filter.TCPSyn, Win: 16384}, now, tm, isn)
	if !rw.Changed || rw.Seq != 900000 {
		t.Fatalf("syn rewrite: wrong\n got: %+v\nwant: seq 900000\n", rw)
	}
	// The server acknowledges the modulated sequence number.
	rw, ok := s.TrackTCP(SideExt, Segment{Seq: 7000, Ack: 900001, Flags: filter.TCPSyn | filter.TCPAck, Win: 65535}, now, tm, isn)
	if !ok {
		t.Fatalf("syn-ack rejected")
	}
	if rw.Ack != 1001 {
		t.Errorf("ack rewrite: wrong\n got: %v\nwant: %v\n", rw.Ack, 1001)
	}
	if rw.Seq == 7000 {
		t.Errorf("server sequence number not modulated")
	}
}

func TestTCPTimeoutSelection(t *testing.T) {
	tcs := []struct {
		a, b PeerState
		want timeouts.Timeout
	}{
		{PeerOpening, PeerNone, timeouts.TCPOpening},
		{PeerEstablished, PeerOpening, timeouts.TCPOpening},
		{PeerEstablished, PeerEstablished, timeouts.TCPEstablished},
		{PeerClosing, PeerEstablished, timeouts.TCPEstablished},
		{PeerClosing, PeerClosing, timeouts.TCPClosing},
		{PeerFinWait, PeerFinWait, timeouts.TCPFinWait},
		{PeerClosed, PeerClosed, timeouts.TCPClosed},
	}
	for _, tc := range tcs {
		if got := tcpTimeout(tc.a, tc.b); got != tc.want {
			t.Errorf("%s/%s: wrong\n got: %v\nwant: %v\n", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestUDPSingleThenMultiple(t *testing.T) {
	tm := timeouts.New()
	now := time.Unix(100, 0)
	s := newFlow(filter.Out, hp("10.0.0.1", 5353), hp("10.0.0.2", 53))
	s.InitUDP(20, now, tm)
	s.TrackUDP(SideExt, 40, now, tm)
	if want := now.Add(tm.Duration(timeouts.UDPSingle)); !s.Info().Expire.Equal(want) {
		t.Errorf("after reply: wrong\n got: %v\nwant: %v\n", s.Info().Expire, want)
	}
	s.TrackUDP(SideLan, 20, now, tm)
	info := s.Info()
	if want := now.Add(tm.Duration(timeouts.UDPMultiple)); !info.Expire.Equal(want) {
		t.Errorf("multiple: wrong\n got: %v\nwant: %v\n", info.Expire, want)
	}
	if info.Packets != 3 || info.Bytes != 80 {
		t.Errorf("counters: wrong\n got: %d/%d\nwant: 3/80\n", info.Packets, info.Bytes)
	}
}
