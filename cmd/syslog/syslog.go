package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/mcuadros/go-syslog.v2"
	"gopkg.in/mcuadros/go-syslog.v2/format"
)

// The daemon writes packet log entries through Go's log/syslog package,
// which looks for one of "/dev/log", "/var/run/syslog" or "/var/run/log",
// so we bind a matching path by default.
const defaultListenAddress = "/var/run/syslog"

// record is one packet log line as printed with -json.
type record struct {
	Time     string `json:"time"`
	Hostname string `json:"hostname,omitempty"`
	Tag      string `json:"tag"`
	Entry    string `json:"entry"`
}

func toRecord(parts format.LogParts) record {
	r := record{}
	if ts, ok := parts["timestamp"].(time.Time); ok {
		r.Time = ts.UTC().Format(time.RFC3339)
	}
	r.Hostname, _ = parts["hostname"].(string)
	r.Tag, _ = parts["tag"].(string)
	r.Entry, _ = parts["content"].(string)
	return r
}

// printer writes the entries carrying tag to w, or every entry when tag is
// empty.
type printer struct {
	w    io.Writer
	tag  string
	json bool
}

func (p *printer) print(parts format.LogParts) error {
	r := toRecord(parts)
	if p.tag != "" && r.Tag != p.tag {
		return nil
	}
	if p.json {
		return json.NewEncoder(p.w).Encode(r)
	}
	_, err := fmt.Fprintf(p.w, "%s %s %s: %s\n", r.Time, r.Hostname, r.Tag, r.Entry)
	return err
}

func main() {
	var listenAddress string
	p := &printer{w: os.Stdout}
	flag.StringVar(&listenAddress, "listen", defaultListenAddress, "Unix datagram socket to receive packet log entries on.")
	flag.StringVar(&p.tag, "tag", "pflog", "Only print entries with this syslog tag; empty prints all.")
	flag.BoolVar(&p.json, "json", false, "Print entries as JSON objects.")
	flag.Parse()

	channel := make(syslog.LogPartsChannel)
	handler := syslog.NewChannelHandler(channel)

	server := syslog.NewServer()
	server.SetFormat(syslog.RFC3164)
	server.SetHandler(handler)

	if err := server.ListenUnixgram(listenAddress); err != nil {
		log.Fatal(err)
	}

	if err := server.Boot(); err != nil {
		log.Fatal(err)
	}

	go func(channel syslog.LogPartsChannel) {
		for logParts := range channel {
			if err := p.print(logParts); err != nil {
				log.Printf("failed to print entry: %v", err)
			}
		}
	}(channel)

	server.Wait()
}
