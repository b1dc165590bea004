// Package multilan implements the client-subnet address rewrite described
// in spec §4.4 / §4.9: a multi-homed chunk server is advertised to each
// client under whichever of its IPs falls in that client's own LAN, with
// an optional static override table taking precedence.
package multilan

import "fmt"

// Class is one configured LAN mask (e.g. a /24 or /16 used to decide
// "same LAN" membership for the rewrite rule).
type Class struct {
	Net  uint32
	Mask uint32
}

func (c Class) contains(ip uint32) bool {
	return ip&c.Mask == c.Net&c.Mask
}

func (c Class) String() string {
	return fmt.Sprintf("%08x/%08x", c.Net, c.Mask)
}

// staticEntry is one (serverIP, clientSubnet/mask) -> servedIP override
// read from mfsipmap.cfg.
type staticEntry struct {
	serverIP     uint32
	clientSubnet uint32
	clientMask   uint32
	servedIP     uint32
}

func (e staticEntry) matches(serverIP, clientIP uint32) bool {
	return e.serverIP == serverIP && clientIP&e.clientMask == e.clientSubnet&e.clientMask
}

// Table holds the configured LAN classes and the static remap entries
// read from mfsipmap.cfg.
type Table struct {
	classes []Class
	static  []staticEntry
}

// New returns an empty Table (Map is then a no-op identity rewrite).
func New() *Table {
	return &Table{}
}

// AddClass registers a LAN class used to decide whether server and
// client addresses share a "local" network for the purposes of Map.
func (t *Table) AddClass(network, mask uint32) {
	t.classes = append(t.classes, Class{Net: network, Mask: mask})
}

// AddStatic registers a static (serverIP, clientSubnet/clientMask) ->
// servedIP override, consulted before the dynamic class-based rewrite.
func (t *Table) AddStatic(serverIP, clientSubnet, clientMask, servedIP uint32) {
	t.static = append(t.static, staticEntry{
		serverIP:     serverIP,
		clientSubnet: clientSubnet,
		clientMask:   clientMask,
		servedIP:     servedIP,
	})
}

// Map rewrites serverIP for a client at clientIP per spec §4.4:
//  1. a matching static entry wins outright;
//  2. else, if serverIP falls in a configured class and clientIP falls
//     in (possibly another) configured class, the served address is
//     (clientIP & mask) | (serverIP & ^mask) using the mask of the first
//     class that contains clientIP;
//  3. otherwise serverIP is returned unchanged.
func (t *Table) Map(serverIP, clientIP uint32) uint32 {
	for _, e := range t.static {
		if e.matches(serverIP, clientIP) {
			return e.servedIP
		}
	}
	for _, sc := range t.classes {
		if !sc.contains(serverIP) {
			continue
		}
		for _, cc := range t.classes {
			if cc.contains(clientIP) {
				return (clientIP & cc.Mask) | (serverIP &^ cc.Mask)
			}
		}
	}
	return serverIP
}

// Match picks, from a chunk server's reported set of local IPs, the one
// that falls in the same LAN class as the master's own address,
// rejecting ambiguous matches by returning the server's original
// (primary) address unchanged (spec §4.4 multilan_match).
func (t *Table) Match(primary uint32, localIPs []uint32, masterIP uint32) uint32 {
	var found uint32
	matches := 0
	for _, ip := range localIPs {
		for _, c := range t.classes {
			if c.contains(ip) && c.contains(masterIP) {
				found = ip
				matches++
				break
			}
		}
	}
	if matches == 1 {
		return found
	}
	return primary
}
