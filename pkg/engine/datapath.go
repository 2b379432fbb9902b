package engine

import (
	"errors"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/packet"
	"github.com/openshift/packet-filter/pkg/pflog"
	"github.com/openshift/packet-filter/pkg/state"
	"github.com/openshift/packet-filter/pkg/status"
)

var errNoProxyPort = errors.New("no free proxy port")

// Result is the verdict on one packet.
type Result struct {
	Action filter.Action
	// Reason is the last reason recorded, status.ReasonNone when none was.
	Reason status.Reason
	// Data is the packet to forward. It differs from the input when the
	// packet was normalized, reassembled or translated.
	Data []byte
	// Reply is a generated reset or ICMP error to send back, if any.
	Reply []byte
	// Rule is the rule that decided, nil for the default policy.
	Rule *filter.Rule
	// State is the state the packet matched or created.
	State *state.State
	// Held is set for fragments queued for reassembly.
	Held bool
}

// pktCtx carries one packet through the data path.
type pktCtx struct {
	dir    filter.Direction
	ifname string
	now    time.Time
	rules  *filter.Ruleset
	p      *packet.Packet
	// data is the packet before translation.
	data []byte
	res  Result
	log  bool
}

// translation records the endpoint a NAT, BINAT or RDR entry rewrote.
type translation struct {
	orig state.HostPort
	repl state.HostPort
}

func (tr *translation) apply(p *packet.Packet, dir filter.Direction) {
	if dir == filter.Out {
		p.SetSrc(tr.repl.Addr, tr.repl.Port)
	} else {
		p.SetDst(tr.repl.Addr, tr.repl.Port)
	}
}

func (tr *translation) undo(p *packet.Packet, dir filter.Direction) {
	if dir == filter.Out {
		p.SetSrc(tr.orig.Addr, tr.orig.Port)
	} else {
		p.SetDst(tr.orig.Addr, tr.orig.Port)
	}
}

// Test runs one packet travelling in direction dir on interface ifname
// through the filter. data must start with the IPv4 header.
func (e *Engine) Test(dir filter.Direction, ifname string, data []byte) Result {
	res := Result{Action: filter.Pass, Reason: status.ReasonNone, Data: data}
	if !e.status.Running() {
		return res
	}
	now := e.clock.Now()
	e.purgeIfDue(now)
	rs := e.rules.active.Load()

	if len(data) < packet.MinHeaderLen {
		res.Action = filter.Drop
		e.setReason(&res, status.ReasonShort)
		e.logPacket(now, dir, ifname, nil, &res, filter.Tuple{Interface: ifname, Length: len(data)}, data)
		return res
	}

	v := e.norm.Normalize(rs, dir, ifname, data, now)
	if v.Action != filter.Pass {
		res.Action, res.Rule, res.Held = filter.Drop, v.Rule, v.Held
		if v.Reason != status.ReasonNone {
			e.setReason(&res, v.Reason)
		}
		return res
	}
	res.Data = v.Data

	p := e.packets.Get().(*packet.Packet)
	defer e.packets.Put(p)
	if err := p.Decode(res.Data); err != nil {
		res.Action = filter.Drop
		switch {
		case errors.Is(err, packet.ErrFragment):
			e.setReason(&res, status.ReasonFragment)
		case errors.Is(err, packet.ErrBadOffset):
			e.setReason(&res, status.ReasonBadOffset)
		default:
			e.setReason(&res, status.ReasonShort)
		}
		e.debug(status.DebugMisc, "cannot decode packet", "error", err.Error())
		e.logPacket(now, dir, ifname, nil, &res, rawTuple(ifname, res.Data), res.Data)
		return res
	}
	if p.FragmentOffset() != 0 && tracked(p.IP.Protocol) {
		// Later fragments carry no transport header and follow the
		// verdict on the first one.
		return res
	}

	c := &pktCtx{dir: dir, ifname: ifname, now: now, rules: rs, p: p, data: res.Data, res: res}
	if !tracked(p.IP.Protocol) || !e.testState(c) {
		e.testRule(c)
	}
	e.finish(c)
	return c.res
}

// finish serializes a rewritten packet, updates the status interface
// counters and logs the packet when its rule or state asks for it.
func (e *Engine) finish(c *pktCtx) {
	p := c.p
	if c.res.Action == filter.Pass && p.Dirty() {
		switch {
		case p.IsFragment():
			// Checksums of fragmented datagrams cannot be recomputed.
			c.res.Action = filter.Drop
			e.setReason(&c.res, status.ReasonFragment)
		default:
			out, err := p.Serialize()
			if err != nil {
				e.log.Error(err, "cannot serialize rewritten packet")
				c.res.Action = filter.Drop
				e.setReason(&c.res, status.ReasonNormalize)
			} else {
				c.res.Data = out
			}
		}
	}
	if c.res.Action == filter.Drop {
		c.res.Data = c.data
	}
	if ifname := e.status.Interface(); ifname != "" && ifname == c.ifname {
		e.status.CountPacket(c.dir == filter.Out, c.res.Action == filter.Drop, int(p.IP.Length))
	}
	if c.log {
		reason := c.res.Reason
		if reason == status.ReasonNone {
			reason = status.ReasonMatch
		}
		entry := c.res
		entry.Reason = reason
		e.logPacket(c.now, c.dir, c.ifname, c.res.Rule, &entry, p.Tuple(c.ifname), c.data)
	}
}

func (e *Engine) setReason(res *Result, r status.Reason) {
	res.Reason = r
	e.status.IncReason(r)
}

func (e *Engine) logPacket(now time.Time, dir filter.Direction, ifname string, r *filter.Rule, res *Result, t filter.Tuple, data []byte) {
	if e.logq == nil {
		return
	}
	nr := pflog.NoRule
	if r != nil {
		nr = int(r.Nr)
	}
	e.logq.Enqueue(&pflog.Entry{
		Time:      now,
		Rule:      nr,
		Reason:    res.Reason,
		Action:    res.Action,
		Direction: dir,
		Interface: ifname,
		Tuple:     t,
		Data:      append([]byte(nil), data...),
	})
}

// tracked reports whether proto can be matched by states.
func tracked(proto layers.IPProtocol) bool {
	switch proto {
	case layers.IPProtocolTCP, layers.IPProtocolUDP, layers.IPProtocolICMPv4:
		return true
	}
	return false
}

// isICMPQuery reports whether typ belongs to a query/reply exchange.
func isICMPQuery(typ uint8) bool {
	switch typ {
	case layers.ICMPv4TypeEchoRequest, layers.ICMPv4TypeEchoReply,
		layers.ICMPv4TypeTimestampRequest, layers.ICMPv4TypeTimestampReply,
		layers.ICMPv4TypeInfoRequest, layers.ICMPv4TypeInfoReply,
		layers.ICMPv4TypeAddressMaskRequest, layers.ICMPv4TypeAddressMaskReply:
		return true
	}
	return false
}

// stateful reports whether a packet that passes the rules may create a
// state, which is also the condition for translating it.
func stateful(p *packet.Packet) bool {
	switch p.Transport {
	case layers.LayerTypeTCP, layers.LayerTypeUDP:
		return true
	case layers.LayerTypeICMPv4:
		return isICMPQuery(p.ICMP.TypeCode.Type())
	}
	return false
}

// endpoints returns the source and destination of p. ICMP queries use
// their identifier as port on both sides.
func endpoints(p *packet.Packet) (src, dst state.HostPort) {
	src.Addr, dst.Addr = p.Src(), p.Dst()
	switch p.Transport {
	case layers.LayerTypeTCP, layers.LayerTypeUDP:
		src.Port, dst.Port, _ = p.Ports()
	case layers.LayerTypeICMPv4:
		src.Port, dst.Port = p.ICMP.Id, p.ICMP.Id
	}
	return src, dst
}

func packetKey(p *packet.Packet) state.Key {
	src, dst := endpoints(p)
	return state.Key{
		Proto: p.IP.Protocol,
		Addr:  [2]netip.Addr{src.Addr, dst.Addr},
		Port:  [2]uint16{src.Port, dst.Port},
	}
}

func segment(p *packet.Packet) state.Segment {
	return state.Segment{
		Seq:   p.TCP.Seq,
		Ack:   p.TCP.Ack,
		Win:   p.TCP.Window,
		Flags: p.TCPFlags(),
		Len:   p.PayloadLen(),
	}
}

// rawTuple builds the tuple of a packet that could not be decoded from its
// fixed header fields.
func rawTuple(ifname string, data []byte) filter.Tuple {
	t := filter.Tuple{Interface: ifname, Length: len(data)}
	if len(data) < packet.MinHeaderLen {
		return t
	}
	t.Proto = layers.IPProtocol(data[9])
	t.Src, _ = netip.AddrFromSlice(data[12:16])
	t.Dst, _ = netip.AddrFromSlice(data[16:20])
	return t
}

// testState looks for the state of a TCP, UDP or ICMP packet and reports
// whether one decided the verdict.
func (e *Engine) testState(c *pktCtx) bool {
	p := c.p
	switch p.Transport {
	case layers.LayerTypeTCP:
		return e.testStateTCP(c)
	case layers.LayerTypeUDP:
		return e.testStateUDP(c)
	case layers.LayerTypeICMPv4:
		typ := p.ICMP.TypeCode.Type()
		if packet.IsICMPError(typ) {
			return e.testStateICMPError(c)
		}
		if isICMPQuery(typ) {
			return e.testStateICMPQuery(c)
		}
	}
	return false
}

func (e *Engine) testStateTCP(c *pktCtx) bool {
	s, side := e.states.Find(c.dir, packetKey(c.p))
	if s == nil {
		return false
	}
	c.res.State = s
	seg := segment(c.p)
	rw, ok := s.TrackTCP(side, seg, c.now, e.timeouts, e.isn)
	if !ok {
		c.res.Action = filter.Drop
		e.debug(status.DebugMisc, "bad state", "state", s.String(), "side", side.String(),
			"seq", seg.Seq, "ack", seg.Ack, "flags", filter.FormatTCPFlags(seg.Flags))
		return true
	}
	if rw.Changed {
		c.p.SetSeqAck(rw.Seq, rw.Ack)
	}
	e.passState(c, s, side)
	return true
}

func (e *Engine) testStateUDP(c *pktCtx) bool {
	s, side := e.states.Find(c.dir, packetKey(c.p))
	if s == nil {
		return false
	}
	c.res.State = s
	s.TrackUDP(side, c.p.PayloadLen(), c.now, e.timeouts)
	e.passState(c, s, side)
	return true
}

func (e *Engine) testStateICMPQuery(c *pktCtx) bool {
	s, side := e.states.Find(c.dir, packetKey(c.p))
	if s == nil {
		return false
	}
	c.res.State = s
	s.TrackICMP(c.p.PayloadLen(), c.now, e.timeouts)
	e.passState(c, s, side)
	return true
}

// passState passes a packet matching s, translating it when s is.
func (e *Engine) passState(c *pktCtx, s *state.State, side state.Side) {
	if s.Translated() {
		if side == state.SideLan {
			c.p.SetSrc(s.Gwy.Addr, s.Gwy.Port)
		} else {
			c.p.SetDst(s.Lan.Addr, s.Lan.Port)
		}
	}
	c.res.Action = filter.Pass
	c.res.Rule = s.Rule()
	c.log = s.Log
}

// testStateICMPError matches an ICMP error against the state of the
// datagram it quotes. Errors whose quote cannot be read or matched are
// left to the rules.
func (e *Engine) testStateICMPError(c *pktCtx) bool {
	q, err := c.p.Quoted()
	if err != nil {
		e.debug(status.DebugMisc, "cannot read quoted datagram", "error", err.Error())
		return false
	}
	// The quoted datagram travelled the other way, so its destination is
	// the first half of the key.
	k := state.Key{Proto: q.IP.Protocol, Addr: [2]netip.Addr{q.Dst(), q.Src()}}
	switch q.IP.Protocol {
	case layers.IPProtocolTCP, layers.IPProtocolUDP:
		sport, dport := q.Ports()
		k.Port = [2]uint16{dport, sport}
	case layers.IPProtocolICMPv4:
		k.Port = [2]uint16{q.ICMPID(), q.ICMPID()}
	default:
		return false
	}
	s, side := e.states.Find(c.dir, k)
	if s == nil {
		return false
	}
	c.res.State = s
	if q.IP.Protocol == layers.IPProtocolTCP {
		seq, ok := s.CheckQuotedTCP(side, q.Seq())
		if !ok {
			c.res.Action = filter.Drop
			e.debug(status.DebugMisc, "bad icmp state", "state", s.String(), "seq", q.Seq())
			return true
		}
		if seq != q.Seq() {
			q.SetSeq(seq)
			if err := c.p.SetQuoted(q); err != nil {
				e.log.Error(err, "cannot rewrite quoted datagram")
			}
		}
	}
	if s.Translated() {
		if side == state.SideExt {
			q.SetSrc(s.Lan.Addr, s.Lan.Port)
			c.p.SetDst(s.Lan.Addr, 0)
		} else {
			q.SetDst(s.Gwy.Addr, s.Gwy.Port)
			c.p.SetSrc(s.Gwy.Addr, 0)
		}
		if err := c.p.SetQuoted(q); err != nil {
			e.log.Error(err, "cannot rewrite quoted datagram")
		}
	}
	c.res.Action = filter.Pass
	c.res.Rule = s.Rule()
	c.log = s.Log
	return true
}

// testRule translates the packet, scans the rules and creates a state when
// the packet passes and either its rule keeps state or it was translated.
func (e *Engine) testRule(c *pktCtx) {
	p := c.p
	var tr *translation
	if stateful(p) {
		var err error
		if tr, err = e.translate(c); err != nil {
			c.res.Action = filter.Drop
			e.setReason(&c.res, status.ReasonMemory)
			e.debug(status.DebugUrgent, "cannot translate packet", "error", err.Error())
			return
		}
		if tr != nil && p.IsFragment() {
			c.res.Action = filter.Drop
			e.setReason(&c.res, status.ReasonFragment)
			return
		}
	}

	t := p.Tuple(c.ifname)
	r := c.rules.Evaluate(c.dir, &t)
	action := filter.Action(e.policy.Load())
	if r != nil {
		action = r.Action
		e.setReason(&c.res, status.ReasonMatch)
		if r.Log {
			res := Result{Action: action, Reason: status.ReasonMatch}
			e.logPacket(c.now, c.dir, c.ifname, r, &res, t, c.data)
		}
	}
	c.res.Rule = r
	if action != filter.Pass {
		c.res.Action = filter.Drop
		if r != nil {
			e.reply(c, r, tr)
		}
		return
	}
	c.res.Action = filter.Pass
	keep := r != nil && r.KeepState != filter.KeepStateNone
	if (keep || tr != nil) && stateful(p) {
		e.createState(c, r, tr)
	}
}

// translate applies the first translation matching the packet: BINAT then
// NAT for outbound packets, BINAT then RDR for inbound ones.
func (e *Engine) translate(c *pktCtx) (*translation, error) {
	p := c.p
	t := p.Tuple(c.ifname)
	src, dst := endpoints(p)
	mode := nat.MatchMode(e.natMode.Load())
	var tr *translation
	if c.dir == filter.Out {
		if b := nat.LookupBINAT(e.binats.active.Load(), mode, filter.Out, c.ifname, &t); b != nil {
			tr = &translation{orig: src, repl: state.HostPort{Addr: b.RAddr, Port: src.Port}}
		} else if n := nat.LookupNAT(e.nats.active.Load(), mode, c.ifname, &t); n != nil {
			tr = &translation{orig: src, repl: state.HostPort{Addr: n.RAddr, Port: src.Port}}
			if t.HasPorts {
				port, ok := e.ports.Next(p.IP.Protocol, func(port uint16) bool {
					return e.states.InUse(state.Key{
						Proto: p.IP.Protocol,
						Addr:  [2]netip.Addr{dst.Addr, n.RAddr},
						Port:  [2]uint16{dst.Port, port},
					})
				})
				if !ok {
					return nil, errNoProxyPort
				}
				tr.repl.Port = port
			}
		}
	} else {
		if b := nat.LookupBINAT(e.binats.active.Load(), mode, filter.In, c.ifname, &t); b != nil {
			tr = &translation{orig: dst, repl: state.HostPort{Addr: b.Addr, Port: dst.Port}}
		} else if r := nat.LookupRDR(e.rdrs.active.Load(), mode, c.ifname, &t); r != nil {
			tr = &translation{orig: dst, repl: state.HostPort{Addr: r.RAddr, Port: dst.Port}}
			if t.HasPorts {
				tr.repl.Port = r.MapPort(dst.Port)
			}
		}
	}
	if tr != nil {
		tr.apply(p, c.dir)
		e.debug(status.DebugMisc, "translated packet", "direction", c.dir.String(), "from", tr.orig.String(), "to", tr.repl.String())
	}
	return tr, nil
}

// reply builds the reset or ICMP error a blocking rule asks for. The
// packet is translated back first so the reply reaches its sender.
func (e *Engine) reply(c *pktCtx, r *filter.Rule, tr *translation) {
	p := c.p
	rst := r.RuleFlags.Has(filter.ReturnRST) && p.Transport == layers.LayerTypeTCP
	if !rst && r.ReturnICMP == 0 {
		return
	}
	if tr != nil {
		tr.undo(p, c.dir)
	}
	var (
		out []byte
		err error
	)
	if rst {
		out, err = packet.BuildRST(p)
	} else {
		out, err = packet.BuildICMP(p, r.ReturnICMPType(), r.ReturnICMPCode())
	}
	switch {
	case errors.Is(err, packet.ErrNoReply):
	case err != nil:
		e.log.Error(err, "cannot build reply", "rule", r.Nr)
	default:
		c.res.Reply = out
	}
}

// createState inserts the state of a packet that passed. A translated
// packet is dropped when its state cannot be inserted, since its replies
// could not be translated back; other packets pass without state.
func (e *Engine) createState(c *pktCtx, r *filter.Rule, tr *translation) {
	p := c.p
	src, dst := endpoints(p)
	s := &state.State{Proto: p.IP.Protocol, Direction: c.dir}
	if c.dir == filter.Out {
		s.Gwy, s.Ext = src, dst
		s.Lan = s.Gwy
		if tr != nil {
			s.Lan = tr.orig
		}
	} else {
		s.Lan, s.Ext = dst, src
		s.Gwy = s.Lan
		if tr != nil {
			s.Gwy = tr.orig
		}
	}
	if r != nil {
		s.SetRule(r)
		s.Log = r.RuleFlags.Has(filter.LogAll)
		s.Modulate = r.KeepState == filter.KeepStateModulate
	}

	var rw state.SeqRewrite
	switch p.Transport {
	case layers.LayerTypeTCP:
		rw = s.InitTCP(segment(p), c.now, e.timeouts, e.isn)
	case layers.LayerTypeUDP:
		s.InitUDP(p.PayloadLen(), c.now, e.timeouts)
	default:
		s.InitICMP(p.PayloadLen(), c.now, e.timeouts)
	}

	if err := e.states.Insert(s); err != nil {
		e.debug(status.DebugUrgent, "cannot insert state", "state", s.String(), "error", err.Error())
		switch {
		case tr != nil:
			c.res.Action = filter.Drop
			e.setReason(&c.res, status.ReasonMemory)
		case errors.Is(err, state.ErrStateLimit):
			e.setReason(&c.res, status.ReasonMemory)
		}
		return
	}
	if rw.Changed {
		p.SetSeqAck(rw.Seq, rw.Ack)
	}
	c.res.State = s
	e.debug(status.DebugMisc, "created state", "state", s.String())
}
