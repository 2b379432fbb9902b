package interfaces

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vishvananda/netlink"
)

func fakeLinks(t *testing.T, links ...netlink.Link) {
	prevByName, prevList := linkByName, linkList
	t.Cleanup(func() {
		linkByName, linkList = prevByName, prevList
	})
	linkByName = func(name string) (netlink.Link, error) {
		for _, l := range links {
			if l.Attrs().Name == name {
				return l, nil
			}
		}
		return nil, fmt.Errorf("link %s not found", name)
	}
	linkList = func() ([]netlink.Link, error) {
		return links, nil
	}
}

func TestSystemExists(t *testing.T) {
	fakeLinks(t,
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "lo", Index: 1}},
	)
	tests := []struct {
		name     string
		inf      string
		expected bool
	}{
		{"existing link", "eth0", true},
		{"loopback link", "lo", true},
		{"missing link", "wlan9", false},
	}
	for _, tt := range tests {
		if got := (System{}).Exists(tt.inf); got != tt.expected {
			t.Errorf("%s: wrong\n got: %v\nwant: %v\n", tt.name, got, tt.expected)
		}
	}

	names, err := Names()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"eth0", "lo"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestBondMembers(t *testing.T) {
	bond := netlink.NewLinkBond(netlink.LinkAttrs{Name: "bond0", Index: 10})
	fakeLinks(t,
		bond,
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "packet1", Index: 11, MasterIndex: 10}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "packet2", Index: 12, MasterIndex: 10}},
		&netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0", Index: 2}},
	)

	members, err := BondMembers("bond0")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"packet1", "packet2"}, members); diff != "" {
		t.Errorf("bond members mismatch (-want +got):\n%s", diff)
	}
	single, err := (System{}).Members("eth0")
	if err != nil {
		t.Fatal(err)
	}
	if single != nil {
		t.Errorf("plain link: wrong\n got: %v\nwant: %v\n", single, nil)
	}
	if _, err := BondMembers("wlan9"); err == nil {
		t.Errorf("missing link: expected an error")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic("eth0", "eth1").AddBond("bond0", "ens1", "ens2")
	for name, want := range map[string]bool{"eth1": true, "bond0": true, "ens2": true, "eth2": false} {
		if got := s.Exists(name); got != want {
			t.Errorf("%s: wrong\n got: %v\nwant: %v\n", name, got, want)
		}
	}
	members, _ := s.Members("bond0")
	if diff := cmp.Diff([]string{"ens1", "ens2"}, members); diff != "" {
		t.Errorf("bond members mismatch (-want +got):\n%s", diff)
	}
	if members, _ := s.Members("eth0"); members != nil {
		t.Errorf("eth0: wrong\n got: %v\nwant: %v\n", members, nil)
	}
}
