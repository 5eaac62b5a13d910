// Package discovery implements UDP broadcast rendezvous: the streamer
// enumerates its network interfaces, sends a DISCOVERY_REQUEST to each
// interface's directed broadcast address, and collects DISCOVERY_RESPONSE
// datagrams until a timeout. It uses golang.org/x/net/ipv4 to pick the
// egress interface for each broadcast send on multi-homed hosts.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/rebroad/displaycast/internal/wire"
)

// DefaultPort is the well-known UDP port for discovery traffic.
const DefaultPort = 4321

// DefaultTimeout is the discovery receive window absent an operator override.
const DefaultTimeout = 5 * time.Second

// ErrNoReceiver is returned when the timeout elapses with no responses.
var ErrNoReceiver = errors.New("discovery: no receiver found")

// Candidate is one decoded DISCOVERY_RESPONSE, tagged with the source
// address it arrived from.
type Candidate struct {
	Addr    net.IP
	TCPPort uint16
	Name    string
}

// Selector resolves multiple candidates to the operator's choice, returning
// an index into candidates. cmd/streamer supplies a stdin-prompting
// implementation; tests supply a canned one.
type Selector func(candidates []Candidate) (int, error)

// Config controls one discovery run.
type Config struct {
	Port    int           // UDP port to query; zero means DefaultPort.
	Timeout time.Duration // zero means DefaultTimeout.
}

func (c Config) port() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

func (c Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Discover runs the broadcast/collect/select procedure and returns the
// chosen receiver's address and TCP port.
func Discover(cfg Config, choose Selector) (net.IP, uint16, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		return nil, 0, fmt.Errorf("discovery: unexpected packet conn type %T", conn)
	}
	if err := enableBroadcast(udpConn); err != nil {
		return nil, 0, fmt.Errorf("discovery: enable broadcast: %w", err)
	}

	pc := ipv4.NewPacketConn(udpConn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		return nil, 0, fmt.Errorf("discovery: enable interface control: %w", err)
	}

	request, err := wire.EncodeMessage(wire.DiscoveryRequest, 0, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: encode request: %w", err)
	}

	port := cfg.port()
	targets, err := broadcastTargets()
	if err != nil {
		return nil, 0, fmt.Errorf("discovery: enumerate interfaces: %w", err)
	}
	for _, tgt := range targets {
		dst := &net.UDPAddr{IP: tgt.addr, Port: port}
		cm := &ipv4.ControlMessage{IfIndex: tgt.ifIndex}
		if _, err := pc.WriteTo(request, cm, dst); err != nil {
			continue // unreachable interface, try the rest
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(cfg.timeout())); err != nil {
		return nil, 0, fmt.Errorf("discovery: set read deadline: %w", err)
	}

	candidates, err := collectResponses(pc)
	if err != nil {
		return nil, 0, err
	}

	switch len(candidates) {
	case 0:
		return nil, 0, ErrNoReceiver
	case 1:
		return candidates[0].Addr, candidates[0].TCPPort, nil
	default:
		if choose == nil {
			return nil, 0, fmt.Errorf("discovery: %d receivers found, no selector provided", len(candidates))
		}
		idx, err := choose(candidates)
		if err != nil {
			return nil, 0, fmt.Errorf("discovery: selection: %w", err)
		}
		if idx < 0 || idx >= len(candidates) {
			return nil, 0, fmt.Errorf("discovery: selection index %d out of range", idx)
		}
		return candidates[idx].Addr, candidates[idx].TCPPort, nil
	}
}

func collectResponses(pc *ipv4.PacketConn) ([]Candidate, error) {
	var candidates []Candidate
	seen := make(map[string]bool)
	buf := make([]byte, 2048)
	for {
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return candidates, nil
			}
			return candidates, fmt.Errorf("discovery: read: %w", err)
		}
		udpSrc, ok := src.(*net.UDPAddr)
		if !ok || seen[udpSrc.String()] {
			continue
		}
		hdr, payload, err := wire.DecodeMessage(buf[:n])
		if err != nil || hdr.Type != wire.DiscoveryResponse {
			continue
		}
		resp, err := wire.DecodeDiscoveryResponse(payload)
		if err != nil {
			continue
		}
		seen[udpSrc.String()] = true
		candidates = append(candidates, Candidate{
			Addr:    udpSrc.IP,
			TCPPort: resp.TCPPort,
			Name:    resp.Name,
		})
	}
}

type broadcastTarget struct {
	addr    net.IP
	ifIndex int
}

// broadcastTargets computes the directed broadcast address of every
// non-loopback, up IPv4 interface via addr & mask | ~mask, falling back to
// the limited broadcast address when no mask is available.
func broadcastTargets() ([]broadcastTarget, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var targets []broadcastTarget
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			bcast := directedBroadcast(ip4, ipnet.Mask)
			targets = append(targets, broadcastTarget{addr: bcast, ifIndex: iface.Index})
		}
	}
	if len(targets) == 0 {
		return []broadcastTarget{{addr: net.IPv4bcast, ifIndex: 0}}, nil
	}
	return targets, nil
}

func directedBroadcast(ip net.IP, mask net.IPMask) net.IP {
	if len(mask) != net.IPv4len {
		return net.IPv4bcast
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i]&mask[i] | ^mask[i]
	}
	return out
}

// enableBroadcast sets SO_BROADCAST, which Linux requires before a UDP
// socket may send to a broadcast destination.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
