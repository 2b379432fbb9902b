package filter

import (
	"net/netip"
	"testing"
)

func TestMatchPort(t *testing.T) {
	tcs := []struct {
		op     PortOp
		a1, a2 uint16
		p      uint16
		want   bool
	}{
		{PortOpNone, 0, 0, 1234, true},
		{PortOpIRG, 8000, 8010, 8000, true},
		{PortOpIRG, 8000, 8010, 8010, true},
		{PortOpIRG, 8000, 8010, 7999, false},
		{PortOpIRG, 8000, 8010, 8011, false},
		{PortOpXRG, 8000, 8010, 7999, true},
		{PortOpXRG, 8000, 8010, 8011, true},
		{PortOpXRG, 8000, 8010, 8005, false},
		{PortOpEQ, 80, 0, 80, true},
		{PortOpEQ, 80, 0, 81, false},
		{PortOpNE, 22, 0, 22, false},
		{PortOpNE, 22, 0, 23, true},
		{PortOpLT, 1024, 0, 1023, true},
		{PortOpLT, 1024, 0, 1024, false},
		{PortOpLE, 1024, 0, 1024, true},
		{PortOpGT, 1024, 0, 1024, false},
		{PortOpGT, 1024, 0, 1025, true},
		{PortOpGE, 1024, 0, 1024, true},
		{PortOpGE, 1024, 0, 1023, false},
		{PortOp(42), 0, 0, 0, false},
	}
	for _, tc := range tcs {
		got := MatchPort(tc.op, tc.a1, tc.a2, tc.p)
		if got != tc.want {
			t.Errorf("%s %d %d port %d: wrong\n got: %v\nwant: %v\n", tc.op, tc.a1, tc.a2, tc.p, got, tc.want)
		}
	}
}

func TestMatchAddr(t *testing.T) {
	v4 := netip.MustParseAddr
	tcs := []struct {
		name string
		not  bool
		a, m string
		b    string
		want bool
	}{
		{"exact", false, "10.0.0.1", "255.255.255.255", "10.0.0.1", true},
		{"exact miss", false, "10.0.0.1", "255.255.255.255", "10.0.0.2", false},
		{"subnet", false, "10.0.0.0", "255.255.255.0", "10.0.0.77", true},
		{"subnet miss", false, "10.0.0.0", "255.255.255.0", "10.0.1.77", false},
		{"negated subnet", true, "10.0.0.0", "255.255.255.0", "10.0.1.77", true},
		{"negated subnet miss", true, "10.0.0.0", "255.255.255.0", "10.0.0.77", false},
		{"wildcard", false, "10.0.0.0", "0.0.0.0", "192.168.1.1", true},
		{"wildcard ignores not", true, "10.0.0.0", "0.0.0.0", "192.168.1.1", true},
		{"v6 prefix", false, "2001:db8::", "ffff:ffff::", "2001:db8::1", true},
		{"v6 prefix miss", false, "2001:db8::", "ffff:ffff::", "2001:db9::1", false},
		{"family mismatch", false, "10.0.0.1", "255.255.255.255", "2001:db8::1", false},
		{"negated family mismatch", true, "10.0.0.1", "255.255.255.255", "2001:db8::1", true},
	}
	for _, tc := range tcs {
		got := MatchAddr(tc.not, v4(tc.a), v4(tc.m), v4(tc.b))
		if got != tc.want {
			t.Errorf("%s: wrong\n got: %v\nwant: %v\n", tc.name, got, tc.want)
		}
	}
	if !MatchAddr(true, netip.Addr{}, netip.Addr{}, v4("1.2.3.4")) {
		t.Errorf("unset mask: wrong\n got: false\nwant: true\n")
	}
}

func TestRuleAddrMatch(t *testing.T) {
	ra := RuleAddr{
		Addr:   netip.MustParseAddr("192.168.0.0"),
		Mask:   MaskFromPrefix(netip.MustParseAddr("192.168.0.0"), 16),
		PortOp: PortOpEQ,
		Port:   [2]uint16{80, 0},
	}
	if !ra.Match(netip.MustParseAddr("192.168.4.4"), 80, true) {
		t.Errorf("address and port: wrong\n got: false\nwant: true\n")
	}
	if ra.Match(netip.MustParseAddr("192.168.4.4"), 81, true) {
		t.Errorf("port mismatch: wrong\n got: true\nwant: false\n")
	}
	if ra.Match(netip.MustParseAddr("192.168.4.4"), 0, false) {
		t.Errorf("packet without ports: wrong\n got: true\nwant: false\n")
	}
	if got := ra.String(); got != "192.168.0.0/16 port = 80" {
		t.Errorf("string: wrong\n got: %v\nwant: %v\n", got, "192.168.0.0/16 port = 80")
	}
	all := Any()
	if !all.IsAny() || !all.Match(netip.MustParseAddr("10.1.1.1"), 0, false) {
		t.Errorf("any: wrong\n got: no match\nwant: match\n")
	}
}

func TestMaskFromPrefix(t *testing.T) {
	tcs := []struct {
		addr string
		bits int
		want string
	}{
		{"10.0.0.0", 8, "255.0.0.0"},
		{"10.0.0.0", 20, "255.255.240.0"},
		{"10.0.0.0", 32, "255.255.255.255"},
		{"10.0.0.0", 0, "0.0.0.0"},
		{"2001:db8::", 33, "ffff:ffff:8000::"},
	}
	for _, tc := range tcs {
		got := MaskFromPrefix(netip.MustParseAddr(tc.addr), tc.bits)
		if got.String() != tc.want {
			t.Errorf("%s/%d: wrong\n got: %v\nwant: %v\n", tc.addr, tc.bits, got, tc.want)
		}
		if ones := maskOnes(got); ones != tc.bits {
			t.Errorf("%s/%d ones: wrong\n got: %v\nwant: %v\n", tc.addr, tc.bits, ones, tc.bits)
		}
	}
}

func TestTCPFlags(t *testing.T) {
	flags, err := ParseTCPFlags("SA")
	if err != nil {
		t.Fatal(err)
	}
	if flags != TCPSyn|TCPAck {
		t.Errorf("parse: wrong\n got: %#x\nwant: %#x\n", flags, TCPSyn|TCPAck)
	}
	if got := FormatTCPFlags(TCPFin | TCPSyn | TCPRst | TCPAck); got != "FSRA" {
		t.Errorf("format: wrong\n got: %v\nwant: %v\n", got, "FSRA")
	}
	if _, err := ParseTCPFlags("SX"); err == nil {
		t.Errorf("unknown flag accepted")
	}
}
