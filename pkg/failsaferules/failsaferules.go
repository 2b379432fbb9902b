package failsaferules

import (
	"github.com/google/gopacket/layers"

	"github.com/openshift/packet-filter/pkg/filter"
)

type TransportProtoFailSafeRule struct {
	serviceName string
	port        uint16
}

var tcp = []TransportProtoFailSafeRule{
	{
		"Kubernetes API",
		6443,
	},
	{
		"ETCD",
		2380,
	},
	{
		"ETCD",
		2379,
	},
	{
		"SSH",
		22,
	},
	{
		"Kubelet",
		10250,
	},
}

var udp = []TransportProtoFailSafeRule{
	{
		"DHCP",
		68,
	},
}

func GetTCP() []TransportProtoFailSafeRule {
	return tcp
}

func GetUDP() []TransportProtoFailSafeRule {
	return udp
}

func (t TransportProtoFailSafeRule) GetServiceName() string {
	return t.serviceName
}

func (t TransportProtoFailSafeRule) GetPort() uint16 {
	return t.port
}

func (t TransportProtoFailSafeRule) rule(proto layers.IPProtocol) *filter.Rule {
	return &filter.Rule{
		Action:    filter.Pass,
		Direction: filter.In,
		Proto:     proto,
		Dst:       filter.RuleAddr{PortOp: filter.PortOpEQ, Port: [2]uint16{t.port}},
		Quick:     true,
		KeepState: filter.KeepStateNormal,
	}
}

// Rules returns "pass in quick ... keep state" rules for every fail safe
// service. They are loaded ahead of the configured rules.
func Rules() []*filter.Rule {
	rules := make([]*filter.Rule, 0, len(tcp)+len(udp))
	for _, t := range tcp {
		rules = append(rules, t.rule(layers.IPProtocolTCP))
	}
	for _, u := range udp {
		rules = append(rules, u.rule(layers.IPProtocolUDP))
	}
	return rules
}

// Covers returns the service reachable on port, if any.
func Covers(proto layers.IPProtocol, port uint16) (string, bool) {
	var list []TransportProtoFailSafeRule
	switch proto {
	case layers.IPProtocolTCP:
		list = tcp
	case layers.IPProtocolUDP:
		list = udp
	}
	for _, r := range list {
		if r.port == port {
			return r.serviceName, true
		}
	}
	return "", false
}
