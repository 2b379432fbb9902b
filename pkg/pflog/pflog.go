package pflog

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/openshift/packet-filter/pkg/filter"
	"github.com/openshift/packet-filter/pkg/status"
)

// DefaultQueueLen is the number of entries a queue buffers.
const DefaultQueueLen = 1024

// NoRule is the rule number of entries not caused by a rule.
const NoRule = -1

// Entry is one logged packet.
type Entry struct {
	Time      time.Time
	Rule      int
	Reason    status.Reason
	Action    filter.Action
	Direction filter.Direction
	Interface string
	Tuple     filter.Tuple
	// Data is a copy of the packet as the filter saw it.
	Data []byte
}

func (e *Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "rule %d/(%s) %s %s", e.Rule, e.Reason, e.Action, e.Direction)
	if e.Interface != "" {
		fmt.Fprintf(&b, " on %s", e.Interface)
	}
	t := &e.Tuple
	b.WriteString(": ")
	if t.HasPorts {
		fmt.Fprintf(&b, "%s.%d > %s.%d", t.Src, t.SrcPort, t.Dst, t.DstPort)
	} else {
		fmt.Fprintf(&b, "%s > %s", t.Src, t.Dst)
	}
	b.WriteString(" " + filter.ProtoName(t.Proto))
	if flags := filter.FormatTCPFlags(t.TCPFlags); flags != "" {
		b.WriteString(" " + flags)
	}
	if t.HasICMP {
		fmt.Fprintf(&b, " type %d code %d", t.ICMPType, t.ICMPCode)
	}
	return b.String()
}

// Sink receives the drained entries.
type Sink interface {
	Write(e *Entry) error
}

// Queue buffers log entries between the packet path and a sink. Enqueue
// never blocks; entries arriving at a full queue are counted and dropped.
type Queue struct {
	log     logr.Logger
	ch      chan *Entry
	dropped atomic.Uint64
}

func NewQueue(log logr.Logger, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueLen
	}
	return &Queue{
		log: log.WithName("pflog"),
		ch:  make(chan *Entry, size),
	}
}

// Enqueue adds e and reports whether it was accepted.
func (q *Queue) Enqueue(e *Entry) bool {
	select {
	case q.ch <- e:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of entries lost to a full queue.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of entries waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Run drains the queue into sink until ctx is cancelled. Entries still
// queued at that point are written before Run returns.
func (q *Queue) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			q.drain(sink)
			return nil
		case e := <-q.ch:
			q.write(sink, e)
		}
	}
}

func (q *Queue) drain(sink Sink) {
	for {
		select {
		case e := <-q.ch:
			q.write(sink, e)
		default:
			return
		}
	}
}

func (q *Queue) write(sink Sink, e *Entry) {
	if err := sink.Write(e); err != nil {
		q.log.Error(err, "failed to write log entry", "entry", e.String())
	}
}
