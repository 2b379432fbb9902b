package timeouts

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Timeout indexes the configurable timeout categories.
type Timeout int

const (
	TCPFirstPacket Timeout = iota
	TCPOpening
	TCPEstablished
	TCPClosing
	TCPFinWait
	TCPClosed
	UDPFirstPacket
	UDPSingle
	UDPMultiple
	ICMPFirstPacket
	ICMPErrorReply
	Frag
	Interval
	Max
)

var ErrUnknownTimeout = errors.New("unknown timeout")

var names = [Max]string{
	"tcp.first",
	"tcp.opening",
	"tcp.established",
	"tcp.closing",
	"tcp.finwait",
	"tcp.closed",
	"udp.first",
	"udp.single",
	"udp.multiple",
	"icmp.first",
	"icmp.error",
	"frag",
	"interval",
}

// Defaults holds the initial value of every category in seconds.
var Defaults = [Max]int64{
	TCPFirstPacket:  60,
	TCPOpening:      30,
	TCPEstablished:  24 * 60 * 60,
	TCPClosing:      300,
	TCPFinWait:      5,
	TCPClosed:       5,
	UDPFirstPacket:  30,
	UDPSingle:       20,
	UDPMultiple:     60,
	ICMPFirstPacket: 20,
	ICMPErrorReply:  10,
	Frag:            30,
	Interval:        10,
}

func (t Timeout) String() string {
	if t < 0 || t >= Max {
		return fmt.Sprintf("Timeout(%d)", int(t))
	}
	return names[t]
}

// Parse returns the category named s.
func Parse(s string) (Timeout, error) {
	for i, n := range names {
		if n == s {
			return Timeout(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTimeout, s)
}

// Names returns the category names in index order.
func Names() []string {
	return append([]string(nil), names[:]...)
}

// Table holds the current value of every category. It is safe for
// concurrent use.
type Table struct {
	seconds [Max]atomic.Int64
}

// New returns a table initialised with Defaults.
func New() *Table {
	t := &Table{}
	for i, v := range Defaults {
		t.seconds[i].Store(v)
	}
	return t
}

func valid(tm Timeout) bool {
	return tm >= 0 && tm < Max
}

// Seconds returns the value of tm in seconds.
func (t *Table) Seconds(tm Timeout) (int64, error) {
	if !valid(tm) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTimeout, int(tm))
	}
	return t.seconds[tm].Load(), nil
}

// Set stores seconds for tm and returns the previous value.
func (t *Table) Set(tm Timeout, seconds int64) (int64, error) {
	if !valid(tm) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownTimeout, int(tm))
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative value %d for timeout %s", seconds, tm)
	}
	return t.seconds[tm].Swap(seconds), nil
}

// Duration returns tm as a time.Duration. Unknown categories yield zero.
func (t *Table) Duration(tm Timeout) time.Duration {
	if !valid(tm) {
		return 0
	}
	return time.Duration(t.seconds[tm].Load()) * time.Second
}
