// TCP stack adapter over a VirtIO network device
// https://github.com/tamago-wasm-os/kiosk
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package netstack wraps a raw Ethernet-frame device into a non-blocking
// socket API, adapting gvisor.dev/gvisor/pkg/tcpip the same way the
// teacher's USB-Ethernet example wires a device into a channel.Endpoint,
// but over the VirtIO network driver instead of a USB gadget.
package netstack

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tamago-wasm-os/kiosk/virtio/network"
)

// Configuration constants (spec.md §4.3, bit-exact).
const (
	ipv4Addr    = "10.0.2.15"
	ipv4Prefix  = 24
	gatewayAddr = "10.0.2.2"
	nicID       = tcpip.NICID(1)

	socketBufferSize = 8 * 1024

	firstLocalPort = 65000
)

// ErrNoSocket is returned for operations on an unknown handle.
var ErrNoSocket = errors.New("netstack: unknown socket handle")

// Handle identifies a socket across the host ABI boundary.
type Handle uint32

type socket struct {
	ep tcpip.Endpoint
	wq waiter.Queue
}

// Stack adapts a VirtIO network device into a socket set. There is never
// more than one goroutine touching it, so no internal locking is used.
type Stack struct {
	ip    *stack.Stack
	link  *channel.Endpoint
	netif *network.Device

	sockets  map[Handle]*socket
	nextID   Handle
	nextPort uint16
}

// New brings up a gvisor network stack bound to netif via a
// channel.Endpoint, configured with the fixed IPv4 address, /24 prefix,
// and default gateway spec.md §4.3 requires.
func New(netif *network.Device) (*Stack, error) {
	mac := netif.MAC()
	linkAddr := tcpip.LinkAddress(mac[:])

	link := channel.New(256, network.MaxFrameSize, linkAddr)

	ip := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
		},
	})

	if err := ip.CreateNIC(nicID, link); err != nil {
		return nil, fmt.Errorf("netstack: create nic: %s", err)
	}

	addr := tcpip.AddrFromSlice(parseIPv4(ipv4Addr))
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{Address: addr, PrefixLen: ipv4Prefix},
	}
	if err := ip.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netstack: add address: %s", err)
	}

	ip.SetRouteTable([]tcpip.Route{{
		Destination: header4Zero(),
		Gateway:     tcpip.AddrFromSlice(parseIPv4(gatewayAddr)),
		NIC:         nicID,
	}})

	return &Stack{
		ip:       ip,
		link:     link,
		netif:    netif,
		sockets:  make(map[Handle]*socket),
		nextPort: firstLocalPort,
	}, nil
}

func header4Zero() tcpip.Subnet {
	subnet, _ := tcpip.NewSubnet(
		tcpip.AddrFromSlice([]byte{0, 0, 0, 0}),
		tcpip.MaskFromBytes([]byte{0, 0, 0, 0}),
	)
	return subnet
}

func parseIPv4(s string) []byte {
	var a, b, c, d byte
	fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	return []byte{a, b, c, d}
}

// Connect allocates a socket, binds it to a freshly allocated local port
// starting at 65000, and initiates an active TCP open to addr:port.
func (s *Stack) Connect(addr [4]byte, port uint16) (Handle, error) {
	var sock socket

	ep, err := s.ip.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, &sock.wq)
	if err != nil {
		return 0, fmt.Errorf("netstack: new endpoint: %s", err)
	}
	ep.SocketOptions().SetReceiveBufferSize(socketBufferSize, true)
	ep.SocketOptions().SetSendBufferSize(socketBufferSize, true)

	localPort := s.nextPort
	s.nextPort++

	full := tcpip.FullAddress{
		NIC:  nicID,
		Addr: tcpip.AddrFromSlice(addr[:]),
		Port: port,
	}

	if err := ep.Bind(tcpip.FullAddress{Port: localPort}); err != nil {
		ep.Close()
		return 0, fmt.Errorf("netstack: bind local port %d: %s", localPort, err)
	}

	if terr := ep.Connect(full); terr != nil {
		if _, starting := terr.(*tcpip.ErrConnectStarted); !starting {
			ep.Close()
			return 0, fmt.Errorf("netstack: connect: %s", terr)
		}
	}

	sock.ep = ep

	s.nextID++
	h := s.nextID
	s.sockets[h] = &sock

	return h, nil
}

func (s *Stack) get(h Handle) (*socket, error) {
	sock, ok := s.sockets[h]
	if !ok {
		return nil, ErrNoSocket
	}
	return sock, nil
}

// MaySend reports whether the socket is currently writable.
func (s *Stack) MaySend(h Handle) bool {
	sock, err := s.get(h)
	if err != nil {
		return false
	}
	return sock.ep.Readiness(waiter.WritableEvents) != 0
}

// MayRecv reports whether the socket currently has data to read.
func (s *Stack) MayRecv(h Handle) bool {
	sock, err := s.get(h)
	if err != nil {
		return false
	}
	return sock.ep.Readiness(waiter.ReadableEvents) != 0
}

// Write copies up to len(p) bytes into the socket's send buffer,
// returning the number of bytes actually accepted.
func (s *Stack) Write(h Handle, p []byte) (int, error) {
	sock, err := s.get(h)
	if err != nil {
		return 0, err
	}

	n, terr := sock.ep.Write(bytes.NewReader(p), tcpip.WriteOptions{})
	if terr != nil {
		return int(n), fmt.Errorf("netstack: write: %s", terr)
	}
	return int(n), nil
}

// Read copies up to len(buf) bytes out of the socket's receive buffer.
func (s *Stack) Read(h Handle, buf []byte) (int, error) {
	sock, err := s.get(h)
	if err != nil {
		return 0, err
	}

	w := tcpip.SliceWriter(buf)
	res, terr := sock.ep.Read(&w, tcpip.ReadOptions{})
	if terr != nil {
		return 0, fmt.Errorf("netstack: read: %s", terr)
	}

	return res.Count, nil
}

// Close flushes close semantics on the socket and removes the handle.
func (s *Stack) Close(h Handle) error {
	sock, err := s.get(h)
	if err != nil {
		return err
	}
	sock.ep.Close()
	delete(s.sockets, h)
	return nil
}

// PollInterface advances the stack's protocol state and pumps frames
// between the underlying VirtIO device and the channel endpoint: inbound
// frames are decoded and injected, outbound frames are drained and
// handed to the driver. nowMs is informational only (gvisor's own clock
// drives protocol timers); it is accepted to satisfy the once-per-frame
// contract of spec.md §4.3.
func (s *Stack) PollInterface(nowMs int64) error {
	for {
		frame, ok, err := s.netif.TryRecv()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s.injectInbound(frame)
	}

	for {
		pkt := s.link.Read()
		if pkt == nil {
			break
		}
		frame := s.encodeOutbound(pkt)
		pkt.DecRef()
		if len(frame) == 0 {
			continue
		}
		if err := s.netif.Send(frame); err != nil {
			return err
		}
	}

	return nil
}

const ethHeaderLen = 14

// injectInbound strips the 14-byte Ethernet header from frame, decodes
// its EtherType, and hands the network-layer payload to the channel
// endpoint.
func (s *Stack) injectInbound(frame []byte) {
	if len(frame) < ethHeaderLen {
		return
	}

	proto := tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[12:14]))
	payload := frame[ethHeaderLen:]

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(payload),
	})
	s.link.InjectInbound(proto, pkt)
	pkt.DecRef()
}

// encodeOutbound prepends a synthesized Ethernet header (device MAC as
// source, broadcast as a placeholder destination resolved by ARP
// upstream of this adapter) to an outbound network-layer packet.
func (s *Stack) encodeOutbound(pkt *stack.PacketBuffer) []byte {
	mac := s.netif.MAC()

	var out bytes.Buffer
	out.Write([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	out.Write(mac[:])

	proto := make([]byte, 2)
	binary.BigEndian.PutUint16(proto, uint16(pkt.NetworkProtocolNumber))
	out.Write(proto)

	for _, v := range pkt.AsSlices() {
		out.Write(v)
	}

	return out.Bytes()
}
