package interfaces

import (
	"sort"

	"github.com/vishvananda/netlink"
	"k8s.io/klog"
)

var (
	linkByName = netlink.LinkByName
	linkList   = netlink.LinkList
)

// System resolves interface names against the links of the host. Links
// need not be up: rules may name an interface before it is configured.
type System struct{}

func (System) Exists(name string) bool {
	if _, err := linkByName(name); err != nil {
		klog.V(4).Infof("interface %q not found: %v", name, err)
		return false
	}
	return true
}

// Members returns the links enslaved to the bond name, or nil when name is
// not a bond.
func (System) Members(name string) ([]string, error) {
	return BondMembers(name)
}

// Names returns the sorted names of all links on the host.
func Names() ([]string, error) {
	links, err := linkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	sort.Strings(names)
	return names, nil
}

// BondMembers returns the names of the links enslaved to the bond ifName.
// Packets of a bond arrive on its members, so rules naming the bond are
// expanded to them. Other links have no members.
func BondMembers(ifName string) ([]string, error) {
	link, err := linkByName(ifName)
	if err != nil {
		return nil, err
	}
	if link.Type() != "bond" {
		return nil, nil
	}
	idx := link.Attrs().Index
	links, err := linkList()
	if err != nil {
		return nil, err
	}
	var members []string
	for _, l := range links {
		if l.Attrs().MasterIndex == idx {
			members = append(members, l.Attrs().Name)
		}
	}
	sort.Strings(members)
	return members, nil
}

// Static is a fixed set of interface names, used where the host links are
// not the ones rules are checked against.
type Static struct {
	names map[string]bool
	bonds map[string][]string
}

func NewStatic(names ...string) *Static {
	s := &Static{names: map[string]bool{}, bonds: map[string][]string{}}
	for _, n := range names {
		s.names[n] = true
	}
	return s
}

// AddBond adds the bond name with the given members, all of which become
// known interfaces.
func (s *Static) AddBond(name string, members ...string) *Static {
	s.names[name] = true
	for _, m := range members {
		s.names[m] = true
	}
	s.bonds[name] = append([]string(nil), members...)
	return s
}

func (s *Static) Exists(name string) bool {
	return s.names[name]
}

func (s *Static) Members(name string) ([]string, error) {
	return s.bonds[name], nil
}
