package replay

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/openshift/packet-filter/pkg/engine"
	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/status"
)

const (
	ethernetHeaderLen = 14
	sllHeaderLen      = 16
	etherTypeIPv4     = 0x0800
)

// Summary counts the verdicts of a replay.
type Summary struct {
	Packets int
	Passed  int
	Dropped int
	// Skipped counts frames that do not carry IPv4.
	Skipped int
	Replies int
	Reasons map[string]int
}

// Replayer feeds captured packets through an engine.
type Replayer struct {
	Engine    *engine.Engine
	Log       logr.Logger
	Interface string
	// Direction applies to packets whose source is not in Local.
	Direction filter.Direction
	// Local holds the prefixes of this host; packets sourced there are
	// outbound.
	Local []netip.Prefix
	// Clock, when set, is advanced to each packet's capture time so that
	// expiry follows the capture.
	Clock *testingclock.FakeClock
	// Forward receives the packets that passed, as rewritten by the engine.
	Forward *pcapgo.Writer
}

func (r *Replayer) direction(data []byte) filter.Direction {
	if len(data) < 20 || len(r.Local) == 0 {
		return r.Direction
	}
	src, _ := netip.AddrFromSlice(data[12:16])
	for _, p := range r.Local {
		if p.Contains(src) {
			return filter.Out
		}
	}
	return r.Direction
}

// ipPayload strips the link layer header from a captured frame.
func ipPayload(link layers.LinkType, frame []byte) ([]byte, bool) {
	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		return frame, true
	case layers.LinkTypeEthernet:
		if len(frame) < ethernetHeaderLen || binary.BigEndian.Uint16(frame[12:14]) != etherTypeIPv4 {
			return nil, false
		}
		return frame[ethernetHeaderLen:], true
	case layers.LinkTypeLinuxSLL:
		if len(frame) < sllHeaderLen || binary.BigEndian.Uint16(frame[14:16]) != etherTypeIPv4 {
			return nil, false
		}
		return frame[sllHeaderLen:], true
	}
	return nil, false
}

func supported(link layers.LinkType) bool {
	switch link {
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeEthernet, layers.LinkTypeLinuxSLL:
		return true
	}
	return false
}

// Run replays the pcap stream read from in.
func (r *Replayer) Run(in io.Reader) (Summary, error) {
	sum := Summary{Reasons: map[string]int{}}
	reader, err := pcapgo.NewReader(in)
	if err != nil {
		return sum, fmt.Errorf("failed to read capture header: %w", err)
	}
	link := reader.LinkType()
	if !supported(link) {
		return sum, fmt.Errorf("unsupported link type %s", link)
	}
	log := r.Log.WithName("replay")
	for {
		frame, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return sum, nil
		}
		if err != nil {
			return sum, fmt.Errorf("packet %d: %w", sum.Packets+1, err)
		}
		sum.Packets++
		data, ok := ipPayload(link, frame)
		if !ok {
			sum.Skipped++
			continue
		}
		if r.Clock != nil && ci.Timestamp.After(r.Clock.Now()) {
			r.Clock.SetTime(ci.Timestamp)
		}
		// The engine may keep references to the buffer for reassembly.
		data = append([]byte(nil), data...)
		dir := r.direction(data)
		res := r.Engine.Test(dir, r.Interface, data)
		if res.Reason != status.ReasonNone {
			sum.Reasons[res.Reason.String()]++
		}
		if res.Reply != nil {
			sum.Replies++
		}
		if res.Action != filter.Pass {
			sum.Dropped++
			log.V(1).Info("dropped", "packet", sum.Packets, "direction", dir.String(), "reason", res.Reason.String())
			continue
		}
		sum.Passed++
		if r.Forward != nil {
			out := gopacket.CaptureInfo{Timestamp: ci.Timestamp, CaptureLength: len(res.Data), Length: len(res.Data)}
			if err := r.Forward.WritePacket(out, res.Data); err != nil {
				return sum, err
			}
		}
	}
}
