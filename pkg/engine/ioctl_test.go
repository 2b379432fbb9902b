package engine

import (
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/nat"
	"github.com/openshift/packet-filter/pkg/state"
	"github.com/openshift/packet-filter/pkg/status"
	"github.com/openshift/packet-filter/pkg/timeouts"
)

var _ = Describe("Control plane", func() {
	var (
		e     *Engine
		allow *filter.Rule
		block *filter.Rule
	)

	BeforeEach(func() {
		e, _ = startedEngine(WithInterfaces(fakeInterfaces{"eth0": true}))
		allow = &filter.Rule{Action: filter.Pass, Direction: filter.Out, KeepState: filter.KeepStateNormal}
		block = &filter.Rule{Action: filter.Drop, Direction: filter.In, Proto: layers.IPProtocolTCP, Dst: port(23)}
	})

	Describe("start and stop", func() {
		It("refuses to start twice", func() {
			Expect(isErrno(e.Start(), unix.EEXIST)).To(BeTrue())
		})

		It("refuses to stop twice", func() {
			Expect(e.Stop()).To(Succeed())
			Expect(isErrno(e.Stop(), unix.ENOENT)).To(BeTrue())
			Expect(e.GetStatus().Running).To(BeFalse())
		})
	})

	Describe("rule transactions", func() {
		It("commits the inactive table", func() {
			loadRules(e, allow, block)
			n, ticket := e.GetRules()
			Expect(n).To(Equal(2))
			r, err := e.GetRule(ticket, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Equal(block)).To(BeTrue())
			Expect(r.Nr).To(BeEquivalentTo(1))
		})

		It("keeps the active table when the commit ticket is stale", func() {
			loadRules(e, allow)
			stale := e.BeginRules()
			Expect(e.AddRule(stale, block)).To(Succeed())
			current := e.BeginRules()

			Expect(isErrno(e.CommitRules(stale), unix.EBUSY)).To(BeTrue())
			Expect(isErrno(e.AddRule(stale, block), unix.EBUSY)).To(BeTrue())

			n, ticket := e.GetRules()
			Expect(n).To(Equal(1))
			r, err := e.GetRule(ticket, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Equal(allow)).To(BeTrue())

			Expect(e.CommitRules(current)).To(Succeed())
			n, _ = e.GetRules()
			Expect(n).To(Equal(0))
		})

		It("invalidates a ticket once committed", func() {
			ticket := e.BeginRules()
			Expect(e.CommitRules(ticket)).To(Succeed())
			Expect(isErrno(e.CommitRules(ticket), unix.EBUSY)).To(BeTrue())
		})

		It("rejects invalid rules and unknown interfaces", func() {
			ticket := e.BeginRules()
			bad := &filter.Rule{Action: filter.Drop, Direction: filter.In, Proto: layers.IPProtocolUDP, RuleFlags: filter.ReturnRST}
			Expect(isErrno(e.AddRule(ticket, bad), unix.EINVAL)).To(BeTrue())
			elsewhere := &filter.Rule{Action: filter.Pass, Direction: filter.In, Interface: "wlan9"}
			Expect(isErrno(e.AddRule(ticket, elsewhere), unix.EINVAL)).To(BeTrue())
		})

		It("refuses reads with a stale ticket", func() {
			loadRules(e, allow)
			_, ticket := e.GetRules()
			_, err := e.GetRule(ticket+1, 0)
			Expect(isErrno(err, unix.EBUSY)).To(BeTrue())
			_, err = e.GetRule(ticket, 5)
			Expect(isErrno(err, unix.EBUSY)).To(BeTrue())
		})

		It("detaches states from replaced rules", func() {
			loadRules(e, allow)
			res := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
			Expect(res.State.Rule()).NotTo(BeNil())
			loadRules(e, allow)
			Expect(res.State.Rule()).To(BeNil())
		})

		It("clears the rule counters", func() {
			loadRules(e, allow)
			e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
			Expect(e.Rules().Rule(0).Counters().Packets).To(BeEquivalentTo(1))
			e.ClearRuleCounters()
			Expect(e.Rules().Rule(0).Counters()).To(Equal(filter.Counters{}))
		})
	})

	Describe("changing the active rules", func() {
		var head *filter.Rule

		BeforeEach(func() {
			loadRules(e, allow, block)
			head = &filter.Rule{Action: filter.Drop, Direction: filter.In, Proto: layers.IPProtocolUDP}
		})

		It("inserts at the head and renumbers", func() {
			_, before := e.GetRules()
			Expect(e.ChangeRule(ChangeAddHead, nil, head)).To(Succeed())
			n, ticket := e.GetRules()
			Expect(n).To(Equal(3))
			Expect(ticket).To(Equal(before + 1))
			for i, want := range []*filter.Rule{head, allow, block} {
				r, err := e.GetRule(ticket, uint32(i))
				Expect(err).NotTo(HaveOccurred())
				Expect(r.Equal(want)).To(BeTrue(), "rule %d", i)
				Expect(r.Nr).To(BeEquivalentTo(i))
			}
		})

		It("inserts relative to an existing rule", func() {
			Expect(e.ChangeRule(ChangeAddAfter, allow, head)).To(Succeed())
			_, ticket := e.GetRules()
			r, err := e.GetRule(ticket, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Equal(head)).To(BeTrue())

			Expect(e.ChangeRule(ChangeAddBefore, allow, head)).To(Succeed())
			_, ticket = e.GetRules()
			r, err = e.GetRule(ticket, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Equal(head)).To(BeTrue())
		})

		It("removes a rule", func() {
			Expect(e.ChangeRule(ChangeRemove, allow, nil)).To(Succeed())
			n, ticket := e.GetRules()
			Expect(n).To(Equal(1))
			r, err := e.GetRule(ticket, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(r.Equal(block)).To(BeTrue())
		})

		It("does not let the active ticket commit the inactive table", func() {
			_, ticket := e.GetRules()
			Expect(e.ChangeRule(ChangeAddHead, nil, head)).To(Succeed())
			Expect(isErrno(e.CommitRules(ticket), unix.EBUSY)).To(BeTrue())
			_, ticket = e.GetRules()
			Expect(isErrno(e.CommitRules(ticket), unix.EBUSY)).To(BeTrue())
			Expect(isErrno(e.AddRule(ticket, block), unix.EBUSY)).To(BeTrue())
			n, _ := e.GetRules()
			Expect(n).To(Equal(3))
		})

		It("moves states to the renumbered rule", func() {
			res := e.Test(filter.Out, "eth0", udpPacket("10.0.0.2:5353", "8.8.8.8:53"))
			Expect(res.State.Rule().Nr).To(BeEquivalentTo(0))
			Expect(e.ChangeRule(ChangeAddHead, nil, head)).To(Succeed())
			Expect(res.State.Rule()).NotTo(BeNil())
			Expect(res.State.Rule().Nr).To(BeEquivalentTo(1))

			Expect(e.ChangeRule(ChangeRemove, allow, nil)).To(Succeed())
			Expect(res.State.Rule()).To(BeNil())
		})

		It("rejects unknown actions and missing references", func() {
			Expect(isErrno(e.ChangeRule(ChangeAction(42), nil, head), unix.EINVAL)).To(BeTrue())
			Expect(isErrno(e.ChangeRule(ChangeRemove, head, nil), unix.EINVAL)).To(BeTrue())
			Expect(isErrno(e.ChangeRule(ChangeAddBefore, nil, head), unix.EINVAL)).To(BeTrue())
			n, _ := e.GetRules()
			Expect(n).To(Equal(2))
		})

		It("appends to an empty table", func() {
			loadRules(e)
			Expect(e.ChangeRule(ChangeAddHead, nil, head)).To(Succeed())
			n, _ := e.GetRules()
			Expect(n).To(Equal(1))
		})
	})

	Describe("translation tables", func() {
		var rdr *nat.RDR

		BeforeEach(func() {
			rdr = &nat.RDR{
				Interface: "eth0",
				Proto:     layers.IPProtocolTCP,
				DPort:     80,
				RPort:     8080,
				RAddr:     netip.MustParseAddr("10.0.0.5"),
			}
		})

		It("copies entries on add and get", func() {
			ticket := e.BeginRDRs()
			Expect(e.AddRDR(ticket, rdr)).To(Succeed())
			rdr.RPort = 1
			Expect(e.CommitRDRs(ticket)).To(Succeed())

			n, active := e.GetRDRs()
			Expect(n).To(Equal(1))
			got, err := e.GetRDR(active, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.RPort).To(BeEquivalentTo(8080))
			got.RPort = 2
			again, _ := e.GetRDR(active, 0)
			Expect(again.RPort).To(BeEquivalentTo(8080))
		})

		It("keeps the active table on a stale commit", func() {
			stale := e.BeginNATs()
			Expect(e.AddNAT(stale, &nat.NAT{RAddr: netip.MustParseAddr("198.51.100.1")})).To(Succeed())
			e.BeginNATs()
			Expect(isErrno(e.CommitNATs(stale), unix.EBUSY)).To(BeTrue())
			n, _ := e.GetNATs()
			Expect(n).To(Equal(0))
		})

		It("rejects invalid entries", func() {
			ticket := e.BeginBINATs()
			Expect(isErrno(e.AddBINAT(ticket, &nat.BINAT{Addr: netip.MustParseAddr("10.0.0.7")}), unix.EINVAL)).To(BeTrue())
			Expect(isErrno(e.AddRDR(e.BeginRDRs(), &nat.RDR{Interface: "wlan9", RAddr: netip.MustParseAddr("10.0.0.5")}), unix.EINVAL)).To(BeTrue())
		})

		It("changes the active table in place", func() {
			ticket := e.BeginRDRs()
			Expect(e.AddRDR(ticket, rdr)).To(Succeed())
			Expect(e.CommitRDRs(ticket)).To(Succeed())

			other := *rdr
			other.DPort, other.RPort = 443, 8443
			Expect(e.ChangeRDR(ChangeAddTail, nil, &other)).To(Succeed())
			n, active := e.GetRDRs()
			Expect(n).To(Equal(2))
			Expect(active).To(Equal(ticket + 1))

			Expect(e.ChangeRDR(ChangeRemove, rdr, nil)).To(Succeed())
			got, err := e.GetRDR(active+1, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.DPort).To(BeEquivalentTo(443))
		})
	})

	Describe("states", func() {
		spec := func(lan, ext string) StateSpec {
			l, x := addrPort(lan), addrPort(ext)
			return StateSpec{
				Proto:     layers.IPProtocolUDP,
				Direction: filter.Out,
				Lan:       state.HostPort{Addr: l.Addr(), Port: l.Port()},
				Ext:       state.HostPort{Addr: x.Addr(), Port: x.Port()},
				Expire:    30 * time.Second,
			}
		}

		It("adds and lists states", func() {
			Expect(e.AddState(spec("10.0.0.2:5353", "8.8.8.8:53"))).To(Succeed())
			info, err := e.GetState(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.RuleNr).To(Equal(-1))
			Expect(info.Gwy).To(Equal(info.Lan))
			Expect(info.ExpiresIn).To(Equal(30 * time.Second))
			Expect(info.Age).To(BeZero())
			Expect(e.GetStates()).To(HaveLen(1))

			_, err = e.GetState(1)
			Expect(isErrno(err, unix.EBUSY)).To(BeTrue())
		})

		It("refuses duplicate states", func() {
			Expect(e.AddState(spec("10.0.0.2:5353", "8.8.8.8:53"))).To(Succeed())
			Expect(isErrno(e.AddState(spec("10.0.0.2:5353", "8.8.8.8:53")), unix.ENOMEM)).To(BeTrue())
		})

		It("kills the states matching a filter", func() {
			Expect(e.AddState(spec("10.0.0.2:5353", "8.8.8.8:53"))).To(Succeed())
			Expect(e.AddState(spec("10.0.0.2:5354", "8.8.4.4:53"))).To(Succeed())
			Expect(e.KillStates(StateFilter{Proto: layers.IPProtocolTCP})).To(Equal(0))
			Expect(e.KillStates(StateFilter{Dst: hostAddr("8.8.8.8")})).To(Equal(1))
			Expect(e.States().Len()).To(Equal(1))
			Expect(e.ClearStates()).To(Equal(1))
			Expect(e.GetStatus().States).To(BeEquivalentTo(0))
		})
	})

	Describe("status", func() {
		It("rejects unknown status interfaces", func() {
			Expect(isErrno(e.SetStatusInterface("wlan9"), unix.EINVAL)).To(BeTrue())
			Expect(e.SetStatusInterface("eth0")).To(Succeed())
			Expect(e.SetStatusInterface("")).To(Succeed())
			Expect(e.GetStatus().Interface).To(BeEmpty())
		})

		It("keeps the running flag and debug level when cleared", func() {
			e.SetDebug(status.DebugMisc)
			e.Test(filter.In, "eth0", []byte{0x45})
			e.ClearStatus()
			info := e.GetStatus()
			Expect(info.Running).To(BeTrue())
			Expect(info.Debug).To(Equal(status.DebugMisc))
			Expect(info.Counters[status.ReasonShort]).To(BeZero())
		})
	})

	Describe("timeouts and limits", func() {
		It("returns the previous timeout", func() {
			old, err := e.SetTimeout(timeouts.TCPEstablished, 3600)
			Expect(err).NotTo(HaveOccurred())
			Expect(old).To(BeEquivalentTo(24 * 60 * 60))
			v, err := e.GetTimeout(timeouts.TCPEstablished)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeEquivalentTo(3600))
		})

		It("rejects unknown timeouts", func() {
			_, err := e.GetTimeout(timeouts.Max)
			Expect(isErrno(err, unix.EINVAL)).To(BeTrue())
			_, err = e.SetTimeout(timeouts.Max, 1)
			Expect(isErrno(err, unix.EINVAL)).To(BeTrue())
		})

		It("refuses limits below the current usage", func() {
			Expect(e.AddState(StateSpec{
				Proto:  layers.IPProtocolUDP,
				Lan:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.2"), Port: 1},
				Ext:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.3"), Port: 2},
				Expire: time.Minute,
			})).To(Succeed())
			Expect(e.AddState(StateSpec{
				Proto:  layers.IPProtocolUDP,
				Lan:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.2"), Port: 3},
				Ext:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.3"), Port: 4},
				Expire: time.Minute,
			})).To(Succeed())
			_, err := e.SetLimit(LimitStates, 1)
			Expect(isErrno(err, unix.EBUSY)).To(BeTrue())

			old, err := e.SetLimit(LimitFrags, 100)
			Expect(err).NotTo(HaveOccurred())
			v, err := e.GetLimit(LimitFrags)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeEquivalentTo(100))
			Expect(old).NotTo(BeEquivalentTo(100))

			_, err = e.SetLimit(LimitStates, 0)
			Expect(err).NotTo(HaveOccurred())
			_, err = e.SetLimit(LimitFrags, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.AddState(StateSpec{
				Proto:  layers.IPProtocolUDP,
				Lan:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.2"), Port: 5},
				Ext:    state.HostPort{Addr: netip.MustParseAddr("10.0.0.3"), Port: 6},
				Expire: time.Minute,
			})).To(Succeed())
		})

		It("rejects unknown limits", func() {
			_, err := e.GetLimit(LimitMax)
			Expect(isErrno(err, unix.EINVAL)).To(BeTrue())
			_, err = e.SetLimit(Limit(7), 1)
			Expect(isErrno(err, unix.EINVAL)).To(BeTrue())
		})

		It("switches the default policy and match mode at run time", func() {
			Expect(e.SetDefaultPolicy(filter.Drop)).To(Succeed())
			Expect(e.DefaultPolicy()).To(Equal(filter.Drop))
			Expect(isErrno(e.SetDefaultPolicy(filter.Scrub), unix.EINVAL)).To(BeTrue())
			Expect(e.DefaultPolicy()).To(Equal(filter.Drop))

			Expect(e.SetNATMatchMode(nat.LastMatch)).To(Succeed())
			Expect(e.NATMatchMode()).To(Equal(nat.LastMatch))
			Expect(isErrno(e.SetNATMatchMode(nat.MatchMode(9)), unix.EINVAL)).To(BeTrue())
		})
	})
})
