package engine

import (
	"errors"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/packet"
	"github.com/openshift/packet-filter/pkg/pflog"
	"github.com/openshift/packet-filter/pkg/state"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

type fakeInterfaces map[string]bool

func (f fakeInterfaces) Exists(name string) bool { return f[name] }

func isErrno(err error, errno unix.Errno) bool {
	return errors.Is(err, errno)
}

var _ = Describe("Packet path", func() {
	var web *filter.Rule

	BeforeEach(func() {
		web = &filter.Rule{
			Action:    filter.Pass,
			Direction: filter.In,
			Proto:     layers.IPProtocolTCP,
			Dst:       port(80),
			KeepState: filter.KeepStateNormal,
			Quick:     true,
		}
	})

	It("passes everything while stopped", func() {
		e := New(WithDefaultPolicy(filter.Drop))
		res := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:22", filter.TCPSyn, 1, 0))
		Expect(res.Action).To(Equal(filter.Pass))
		Expect(res.Reason).To(Equal(status.ReasonNone))
	})

	It("drops short packets", func() {
		e, _ := startedEngine()
		res := e.Test(filter.In, "eth0", []byte{0x45, 0, 0})
		Expect(res.Action).To(Equal(filter.Drop))
		Expect(res.Reason).To(Equal(status.ReasonShort))
		Expect(e.GetStatus().Counters[status.ReasonShort]).To(BeEquivalentTo(1))
	})

	Context("with a keep state rule and a default drop policy", func() {
		var e *Engine

		BeforeEach(func() {
			e, _ = startedEngine(WithDefaultPolicy(filter.Drop))
			loadRules(e, web)
		})

		It("creates a state on the SYN and passes the SYN-ACK through it", func() {
			syn := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:80", filter.TCPSyn, 1000, 0))
			Expect(syn.Action).To(Equal(filter.Pass))
			Expect(syn.Reason).To(Equal(status.ReasonMatch))
			Expect(syn.State).NotTo(BeNil())
			Expect(syn.Rule).NotTo(BeNil())
			Expect(syn.Rule.Nr).To(BeEquivalentTo(0))
			Expect(e.States().Len()).To(Equal(1))

			synack := e.Test(filter.Out, "eth0", tcpPacket("192.168.1.10:80", "10.0.0.1:5000", filter.TCPSyn|filter.TCPAck, 5000, 1001))
			Expect(synack.Action).To(Equal(filter.Pass))
			Expect(synack.State).To(BeIdenticalTo(syn.State))
			Expect(e.States().Len()).To(Equal(1))

			ack := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:80", filter.TCPAck, 1001, 5001))
			Expect(ack.Action).To(Equal(filter.Pass))
			Expect(ack.State).To(BeIdenticalTo(syn.State))
			Expect(syn.State.Info().Packets).To(BeEquivalentTo(3))
		})

		It("drops packets no rule matches", func() {
			res := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:22", filter.TCPSyn, 1, 0))
			Expect(res.Action).To(Equal(filter.Drop))
			Expect(res.Rule).To(BeNil())
			Expect(res.State).To(BeNil())
		})

		It("drops segments outside the tracked window", func() {
			syn := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:80", filter.TCPSyn, 1000, 0))
			Expect(syn.Action).To(Equal(filter.Pass))
			bogus := e.Test(filter.Out, "eth0", tcpPacket("192.168.1.10:80", "10.0.0.1:5000", filter.TCPAck, 5000, 900000))
			Expect(bogus.Action).To(Equal(filter.Drop))
			Expect(bogus.State).To(BeIdenticalTo(syn.State))
		})

		It("evaluates the same packet the same way twice", func() {
			data := tcpPacket("10.0.0.1:5000", "192.168.1.10:22", filter.TCPSyn, 1, 0)
			first := e.Test(filter.In, "eth0", data)
			second := e.Test(filter.In, "eth0", data)
			Expect(second.Action).To(Equal(first.Action))
			Expect(second.Rule).To(Equal(first.Rule))
		})
	})

	It("answers blocked connections with a reset", func() {
		e, _ := startedEngine()
		loadRules(e, &filter.Rule{
			Action:    filter.Drop,
			Direction: filter.In,
			Proto:     layers.IPProtocolTCP,
			Dst:       port(23),
			RuleFlags: filter.ReturnRST,
		})
		res := e.Test(filter.In, "eth0", tcpPacket("10.0.0.1:5000", "192.168.1.10:23", filter.TCPSyn, 1000, 0))
		Expect(res.Action).To(Equal(filter.Drop))
		Expect(res.Reply).NotTo(BeNil())

		rst := decode(res.Reply)
		Expect(rst.TCP.RST).To(BeTrue())
		Expect(rst.TCP.Ack).To(BeEquivalentTo(1001))
		src, dst := endpointsOf(res.Reply)
		Expect(src).To(Equal(addrPort("192.168.1.10:23")))
		Expect(dst).To(Equal(addrPort("10.0.0.1:5000")))
	})

	It("answers blocked datagrams with an ICMP error", func() {
		e, _ := startedEngine()
		r := &filter.Rule{Action: filter.Drop, Direction: filter.In, Proto: layers.IPProtocolUDP}
		r.SetReturnICMP(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)
		loadRules(e, r)

		res := e.Test(filter.In, "eth0", udpPacket("10.0.0.1:5000", "192.168.1.10:53"))
		Expect(res.Action).To(Equal(filter.Drop))
		reply := decode(res.Reply)
		Expect(reply.ICMP.TypeCode.Type()).To(BeEquivalentTo(layers.ICMPv4TypeDestinationUnreachable))
		q, err := reply.Quoted()
		Expect(err).NotTo(HaveOccurred())
		sport, dport := q.Ports()
		Expect(sport).To(BeEquivalentTo(5000))
		Expect(dport).To(BeEquivalentTo(53))
	})

	It("queues log entries for logged rules", func() {
		q := pflog.NewQueue(logr.Discard(), 8)
		e, _ := startedEngine(WithLogQueue(q))
		loadRules(e, &filter.Rule{Action: filter.Drop, Direction: filter.In, Log: true})
		e.Test(filter.In, "eth0", udpPacket("10.0.0.1:5000", "192.168.1.10:53"))
		Expect(q.Len()).To(Equal(1))
	})

	It("passes statelessly when the state limit is reached", func() {
		e, _ := startedEngine()
		loadRules(e, &filter.Rule{
			Action:    filter.Pass,
			Direction: filter.Out,
			Proto:     layers.IPProtocolUDP,
			KeepState: filter.KeepStateNormal,
		})
		_, err := e.SetLimit(LimitStates, 1)
		Expect(err).NotTo(HaveOccurred())

		first := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
		Expect(first.State).NotTo(BeNil())
		second := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5354", "8.8.4.4:53"))
		Expect(second.Action).To(Equal(filter.Pass))
		Expect(second.Reason).To(Equal(status.ReasonMemory))
		Expect(second.State).To(BeNil())
		Expect(e.GetStatus().Counters[status.ReasonMemory]).To(BeEquivalentTo(1))
	})

	It("modulates sequence numbers of modulated states", func() {
		e, _ := startedEngine()
		loadRules(e, &filter.Rule{
			Action:    filter.Pass,
			Direction: filter.Out,
			Proto:     layers.IPProtocolTCP,
			KeepState: filter.KeepStateModulate,
		})
		syn := e.Test(filter.Out, "eth0", tcpPacket("10.0.0.2:40000", "192.0.2.1:80", filter.TCPSyn, 1000, 0))
		Expect(syn.Action).To(Equal(filter.Pass))
		Expect(decode(syn.Data).TCP.Seq).To(BeEquivalentTo(0x10000000))

		synack := e.Test(filter.In, "eth0", tcpPacket("192.0.2.1:80", "10.0.0.2:40000", filter.TCPSyn|filter.TCPAck, 7000, 0x10000001))
		Expect(synack.Action).To(Equal(filter.Pass))
		Expect(decode(synack.Data).TCP.Ack).To(BeEquivalentTo(1001))
	})

	It("removes expired states when purged", func() {
		e, clk := startedEngine()
		loadRules(e, &filter.Rule{Action: filter.Pass, Direction: filter.Out, Proto: layers.IPProtocolUDP, KeepState: filter.KeepStateNormal})
		res := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
		Expect(res.State).NotTo(BeNil())
		before := e.GetStatus().FCounters[status.FcntStateRemovals]

		clk.Step(e.Timeouts().Duration(timeouts.UDPFirstPacket) + time.Second)
		Expect(e.Purge(clk.Now())).To(Equal(1))
		Expect(e.States().Len()).To(Equal(0))
		Expect(e.GetStatus().FCounters[status.FcntStateRemovals] - before).To(BeEquivalentTo(1))
	})

	It("purges from the packet path once the interval elapsed", func() {
		e, clk := startedEngine()
		loadRules(e, &filter.Rule{Action: filter.Pass, Direction: filter.Out, Proto: layers.IPProtocolUDP, KeepState: filter.KeepStateNormal})
		e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
		Expect(e.States().Len()).To(Equal(1))

		clk.Step(e.Timeouts().Duration(timeouts.UDPFirstPacket) + e.Timeouts().Duration(timeouts.Interval))
		e.Test(filter.Out, "eth0", udpPacket("10.0.0.3:5353", "8.8.8.8:53"))
		Expect(e.States().Len()).To(Equal(1))
		Expect(e.States().Lookup(state.Key{
			Proto: layers.IPProtocolUDP,
			Addr:  [2]netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("8.8.8.8")},
			Port:  [2]uint16{5353, 53},
		})).To(BeNil())
	})

	It("counts packets on the status interface", func() {
		e, _ := startedEngine(WithInterfaces(fakeInterfaces{"eth0": true}))
		Expect(e.SetStatusInterface("eth0")).To(Succeed())
		data := udpPacket("10.0.0.2:5353", "8.8.8.8:53")
		e.Test(filter.Out, "eth0", data)
		e.Test(filter.Out, "eth1", data)
		info := e.GetStatus()
		Expect(info.Packets[1][0]).To(BeEquivalentTo(1))
		Expect(info.Bytes[1]).To(BeEquivalentTo(len(data)))
	})
})

var _ = Describe("Translation", func() {
	var (
		e   *Engine
		ext = netip.MustParseAddr("198.51.100.1")
	)

	BeforeEach(func() {
		e, _ = startedEngine()
	})

	Context("with a port range redirection", func() {
		BeforeEach(func() {
			ticket := e.BeginRDRs()
			Expect(e.AddRDR(ticket, &nat.RDR{
				Interface: "eth0",
				Proto:     layers.IPProtocolTCP,
				Dst:       hostAddr("203.0.113.1"),
				DPort:     8000,
				DPort2:    8010,
				RPort:     9000,
				RAddr:     netip.MustParseAddr("10.0.0.5"),
				Opts:      nat.DPortRange | nat.RPortRange,
			})).To(Succeed())
			Expect(e.CommitRDRs(ticket)).To(Succeed())
		})

		It("keeps the offset within the port range", func() {
			res := e.Test(filter.In, "eth0", tcpPacket("192.0.2.7:40000", "203.0.113.1:8005", filter.TCPSyn, 1, 0))
			Expect(res.Action).To(Equal(filter.Pass))
			_, dst := endpointsOf(res.Data)
			Expect(dst).To(Equal(addrPort("10.0.0.5:9005")))
			Expect(res.State).NotTo(BeNil())

			reply := e.Test(filter.Out, "eth0", tcpPacket("10.0.0.5:9005", "192.0.2.7:40000", filter.TCPSyn|filter.TCPAck, 500, 2))
			Expect(reply.Action).To(Equal(filter.Pass))
			src, _ := endpointsOf(reply.Data)
			Expect(src).To(Equal(addrPort("203.0.113.1:8005")))
		})

		It("leaves ports outside the range alone", func() {
			res := e.Test(filter.In, "eth0", tcpPacket("192.0.2.7:40000", "203.0.113.1:7999", filter.TCPSyn, 1, 0))
			_, dst := endpointsOf(res.Data)
			Expect(dst).To(Equal(addrPort("203.0.113.1:7999")))
			Expect(res.State).To(BeNil())
		})

		It("resolves the original destination through NatLook", func() {
			e.Test(filter.In, "eth0", tcpPacket("192.0.2.7:40000", "203.0.113.1:8005", filter.TCPSyn, 1, 0))
			res, err := e.NatLook(NatLookRequest{
				Proto:     layers.IPProtocolTCP,
				Src:       addrPort("203.0.113.1:8005"),
				Dst:       addrPort("192.0.2.7:40000"),
				Direction: filter.In,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Src).To(Equal(addrPort("10.0.0.5:9005")))
			Expect(res.Dst).To(Equal(addrPort("192.0.2.7:40000")))
		})
	})

	Context("with an outbound NAT", func() {
		BeforeEach(func() {
			ticket := e.BeginNATs()
			Expect(e.AddNAT(ticket, &nat.NAT{
				Interface: "eth0",
				Src:       netAddr("10.0.0.0/24"),
				RAddr:     ext,
			})).To(Succeed())
			Expect(e.CommitNATs(ticket)).To(Succeed())
		})

		It("rewrites the source to a proxy port and translates replies back", func() {
			res := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
			Expect(res.Action).To(Equal(filter.Pass))
			src, _ := endpointsOf(res.Data)
			Expect(src.Addr()).To(Equal(ext))
			Expect(src.Port()).To(BeNumerically(">=", nat.ProxyPortLow))

			reply := e.Test(filter.In, "eth0", udpPacket("8.8.8.8:53", src.String()))
			Expect(reply.Action).To(Equal(filter.Pass))
			_, dst := endpointsOf(reply.Data)
			Expect(dst).To(Equal(addrPort("10.0.0.2:5353")))

			look, err := e.NatLook(NatLookRequest{
				Proto:     layers.IPProtocolUDP,
				Src:       addrPort("8.8.8.8:53"),
				Dst:       addrPort("10.0.0.2:5353"),
				Direction: filter.Out,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(look.Dst).To(Equal(src))
		})

		It("translates ICMP errors quoting a translated datagram", func() {
			res := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
			unreach, err := packet.BuildICMP(decode(res.Data), layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)
			Expect(err).NotTo(HaveOccurred())

			back := e.Test(filter.In, "eth0", unreach)
			Expect(back.Action).To(Equal(filter.Pass))
			Expect(back.State).To(BeIdenticalTo(res.State))
			p := decode(back.Data)
			Expect(p.Dst()).To(Equal(netip.MustParseAddr("10.0.0.2")))
			q, err := p.Quoted()
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Src()).To(Equal(netip.MustParseAddr("10.0.0.2")))
			sport, _ := q.Ports()
			Expect(sport).To(BeEquivalentTo(5353))
		})

		It("translates ICMP queries and keeps their identifier", func() {
			res := e.Test(filter.Out, "eth0", icmpEcho("10.0.0.2", "8.8.8.8", layers.ICMPv4TypeEchoRequest, 77))
			Expect(res.Action).To(Equal(filter.Pass))
			Expect(decode(res.Data).Src()).To(Equal(ext))

			reply := e.Test(filter.In, "eth0", icmpEcho("8.8.8.8", ext.String(), layers.ICMPv4TypeEchoReply, 77))
			Expect(reply.Action).To(Equal(filter.Pass))
			Expect(decode(reply.Data).Dst()).To(Equal(netip.MustParseAddr("10.0.0.2")))
		})

		It("reports unknown connections as missing", func() {
			_, err := e.NatLook(NatLookRequest{
				Proto:     layers.IPProtocolUDP,
				Src:       addrPort("8.8.8.8:53"),
				Dst:       addrPort("10.0.0.9:5353"),
				Direction: filter.Out,
			})
			Expect(isErrno(err, unix.ENOENT)).To(BeTrue())
		})
	})

	It("maps a host in both directions with BINAT", func() {
		ticket := e.BeginBINATs()
		Expect(e.AddBINAT(ticket, &nat.BINAT{
			Interface: "eth0",
			Addr:      netip.MustParseAddr("10.0.0.7"),
			RAddr:     ext,
		})).To(Succeed())
		Expect(e.CommitBINATs(ticket)).To(Succeed())

		in := e.Test(filter.In, "eth0", tcpPacket("192.0.2.7:40000", "198.51.100.1:22", filter.TCPSyn, 1, 0))
		_, dst := endpointsOf(in.Data)
		Expect(dst).To(Equal(addrPort("10.0.0.7:22")))

		out := e.Test(filter.Out, "eth0", udpPacket("10.0.0.7:123", "192.0.2.9:123"))
		src, _ := endpointsOf(out.Data)
		Expect(src).To(Equal(addrPort("198.51.100.1:123")))
	})

	It("rejects incomplete NatLook requests", func() {
		_, err := e.NatLook(NatLookRequest{Proto: layers.IPProtocolTCP, Src: addrPort("10.0.0.1:0"), Dst: addrPort("10.0.0.2:80")})
		Expect(isErrno(err, unix.EINVAL)).To(BeTrue())
	})
})
