package pflog

import (
	"io"
	"log/syslog"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/openshift/packet-filter/pkg/filter"
)

// LogrSink writes entries as structured log lines.
type LogrSink struct {
	Log logr.Logger
}

func (s *LogrSink) Write(e *Entry) error {
	s.Log.Info("packet", "entry", e.String(), "reason", e.Reason.String())
	return nil
}

// SyslogSink writes entries to the local syslog daemon.
type SyslogSink struct {
	w *syslog.Writer
}

// NewSyslogSink connects to the local syslog socket with the given tag.
func NewSyslogSink(tag string) (*SyslogSink, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, err
	}
	return &SyslogSink{w: w}, nil
}

func (s *SyslogSink) Write(e *Entry) error {
	if e.Action == filter.Drop {
		return s.w.Notice(e.String())
	}
	return s.w.Info(e.String())
}

func (s *SyslogSink) Close() error {
	return s.w.Close()
}

// PcapSink writes the logged packets in pcap format with raw IP framing.
type PcapSink struct {
	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewPcapSink writes the pcap file header to w.
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &PcapSink{w: pw}, nil
}

func (s *PcapSink) Write(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci := gopacket.CaptureInfo{
		Timestamp:     e.Time,
		CaptureLength: len(e.Data),
		Length:        len(e.Data),
	}
	return s.w.WritePacket(ci, e.Data)
}

// MultiSink writes every entry to all of its sinks.
type MultiSink []Sink

func (m MultiSink) Write(e *Entry) error {
	var first error
	for _, s := range m {
		if err := s.Write(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
