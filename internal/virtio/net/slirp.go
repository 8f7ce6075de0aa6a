// Package net implements the virtio-net device the guest sees as eth0, and
// the SLIRP-style user-mode NAT stack behind it: no TAP device, no root, no
// iptables. It answers ARP for its own subnet, proxies outbound TCP through
// host sockets, and forwards UDP port 53 to a real DNS resolver. Everything
// else is dropped.
package net

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Fixed SLIRP IP plan: the guest always sees this exact layout, matching
// the DHCP-free address the guest kernel is booted with via cmdline.
var (
	GuestIP    = [4]byte{10, 0, 2, 15}
	GatewayIP  = [4]byte{10, 0, 2, 2}
	DNSIP      = [4]byte{10, 0, 2, 3}
	GuestMAC   = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	GatewayMAC = [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x01}
)

const (
	mtu         = 1500
	tcpWindow   = 65535
	natIdleTime = 5 * time.Minute
)

type tcpState int

const (
	tcpSynReceived tcpState = iota
	tcpEstablished
	tcpClosed
)

// natKey identifies a guest-initiated TCP flow by the guest's source port
// plus the destination the guest is trying to reach; a single guest source
// port can only be mid-flight to one destination at a time in this NAT
// model, matching the original's own key shape.
type natKey struct {
	guestSrcPort uint16
	dstIP        [4]byte
	dstPort      uint16
}

type tcpNatEntry struct {
	conn         net.Conn
	state        tcpState
	ourSeq       uint32
	guestAck     uint32
	toGuest      []byte
	lastActivity time.Time
}

// Stack is a SLIRP-style NAT network behind a single virtio-net device.
// ProcessGuestFrame feeds it Ethernet frames from the guest's TX queue;
// Poll drains Ethernet frames queued for the guest's RX queue.
type Stack struct {
	mu          sync.Mutex
	tcpNAT      map[natKey]*tcpNatEntry
	toGuest     [][]byte
	dnsServers  []string
	dialTimeout time.Duration

	denyNets  []*net.IPNet
	maxConns  int
	newConnRL *rate.Limiter
}

// StackSecurity configures the NAT stack's connection-admission controls:
// destinations that are always refused, and bounds on how fast and how many
// guest-initiated TCP flows it will open concurrently.
type StackSecurity struct {
	// DenyCIDRs are destination ranges the stack refuses to dial regardless
	// of any higher-level network policy. Malformed entries are ignored.
	DenyCIDRs []string
	// MaxConcurrentConns caps the open TCP flow table. <= 0 uses
	// defaultMaxConcurrentConns.
	MaxConcurrentConns int
	// MaxConnsPerSecond rate-limits new guest SYNs. <= 0 uses
	// defaultMaxConnsPerSecond.
	MaxConnsPerSecond int
}

// Defaults matching original_source/src/vmm/config.rs's
// BackendSecurityConfig::default() (max_concurrent_connections: 64,
// max_connections_per_second: 50).
const (
	defaultMaxConcurrentConns = 64
	defaultMaxConnsPerSecond  = 50
)

// NewStack builds an idle SLIRP stack admission-controlled by sec.
// dnsServers defaults to public resolvers reachable from the host.
func NewStack(sec StackSecurity) *Stack {
	maxConns := sec.MaxConcurrentConns
	if maxConns <= 0 {
		maxConns = defaultMaxConcurrentConns
	}
	perSecond := sec.MaxConnsPerSecond
	if perSecond <= 0 {
		perSecond = defaultMaxConnsPerSecond
	}

	var denyNets []*net.IPNet
	for _, cidr := range sec.DenyCIDRs {
		if _, ipnet, err := net.ParseCIDR(cidr); err == nil {
			denyNets = append(denyNets, ipnet)
		}
	}

	return &Stack{
		tcpNAT:      make(map[natKey]*tcpNatEntry),
		dnsServers:  []string{"8.8.8.8:53", "1.1.1.1:53"},
		dialTimeout: 10 * time.Second,
		denyNets:    denyNets,
		maxConns:    maxConns,
		newConnRL:   rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// isDenied reports whether ip falls inside any configured deny range.
func (s *Stack) isDenied(ip [4]byte) bool {
	addr := net.IPv4(ip[0], ip[1], ip[2], ip[3])
	for _, n := range s.denyNets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// ProcessGuestFrame handles one Ethernet frame transmitted by the guest.
func (s *Stack) ProcessGuestFrame(frame []byte) {
	if len(frame) < 14 {
		return
	}
	switch etherType(frame) {
	case 0x0806:
		s.handleARP(frame)
	case 0x0800:
		s.handleIPv4(frame)
	}
}

// Poll drains frames queued for delivery to the guest, relaying any pending
// host->guest TCP data first.
func (s *Stack) Poll() [][]byte {
	s.relayTCPData()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.toGuest) == 0 {
		return nil
	}
	out := s.toGuest
	s.toGuest = nil
	return out
}

func etherType(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[12:14])
}

func (s *Stack) inject(frame []byte) {
	s.mu.Lock()
	s.toGuest = append(s.toGuest, frame)
	s.mu.Unlock()
}

// ── ARP ──────────────────────────────────────────────────────────────

// handleARP answers "who has <ip>" for every address in the SLIRP subnet
// except the guest's own, so the guest resolves the gateway and any
// address it tries to route through it without a real LAN present.
func (s *Stack) handleARP(frame []byte) {
	if len(frame) < 42 {
		return
	}
	arp := frame[14:]
	hwType := binary.BigEndian.Uint16(arp[0:2])
	protoType := binary.BigEndian.Uint16(arp[2:4])
	opcode := binary.BigEndian.Uint16(arp[6:8])
	if hwType != 1 || protoType != 0x0800 || opcode != 1 {
		return
	}

	var senderMAC [6]byte
	copy(senderMAC[:], arp[8:14])
	var senderIP, targetIP [4]byte
	copy(senderIP[:], arp[14:18])
	copy(targetIP[:], arp[24:28])

	if targetIP == GuestIP {
		return // never answer for the guest's own address
	}

	reply := make([]byte, 42)
	copy(reply[0:6], senderMAC[:])
	copy(reply[6:12], GatewayMAC[:])
	reply[12], reply[13] = 0x08, 0x06

	binary.BigEndian.PutUint16(reply[14:16], 1)      // hw type: Ethernet
	binary.BigEndian.PutUint16(reply[16:18], 0x0800) // proto: IPv4
	reply[18], reply[19] = 6, 4
	binary.BigEndian.PutUint16(reply[20:22], 2) // opcode: reply
	copy(reply[22:28], GatewayMAC[:])
	copy(reply[28:32], targetIP[:])
	copy(reply[32:38], senderMAC[:])
	copy(reply[38:42], senderIP[:])

	s.inject(reply)
}

// ── IPv4 dispatch ────────────────────────────────────────────────────

func (s *Stack) handleIPv4(frame []byte) {
	if len(frame) < 34 {
		return
	}
	ip := frame[14:]
	ihl := int(ip[0]&0x0f) * 4
	if len(ip) < ihl {
		return
	}
	protocol := ip[9]
	var dstIP [4]byte
	copy(dstIP[:], ip[16:20])
	payload := ip[ihl:]

	switch {
	case dstIP == DNSIP && protocol == 17:
		s.handleDNS(ip, payload)
	case protocol == 6 && dstIP != GuestIP:
		s.handleTCP(ip, payload)
	}
}

// ── DNS (UDP/53) forwarding ──────────────────────────────────────────

func (s *Stack) handleDNS(ipHeader, udp []byte) {
	if len(udp) < 8 {
		return
	}
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	query := udp[8:]

	response := s.forwardDNSQuery(query)
	if response == nil {
		return
	}
	frame := buildUDPFrame(DNSIP, GuestIP, 53, srcPort, response)
	s.inject(frame)
}

func (s *Stack) forwardDNSQuery(query []byte) []byte {
	for _, server := range s.dnsServers {
		conn, err := net.Dial("udp", server)
		if err != nil {
			continue
		}
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(query); err != nil {
			conn.Close()
			continue
		}
		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		conn.Close()
		if err == nil {
			return buf[:n]
		}
	}
	return nil
}

func buildUDPFrame(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	ipLen := 20 + udpLen
	buf := make([]byte, 14+ipLen)

	copy(buf[0:6], GuestMAC[:])
	copy(buf[6:12], GatewayMAC[:])
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[14 : 14+20]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	binary.BigEndian.PutUint16(ip[4:6], pseudoRandomID())
	ip[8] = 64
	ip[9] = 17
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))

	udp := buf[34:]
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	// UDP checksum left at 0: optional over IPv4, same as the original.
	copy(udp[8:], payload)

	return buf
}

// ── TCP NAT proxy ────────────────────────────────────────────────────

const (
	tcpFlagFIN = 1 << 0
	tcpFlagSYN = 1 << 1
	tcpFlagRST = 1 << 2
	tcpFlagACK = 1 << 4
)

func (s *Stack) handleTCP(ipHeader, tcp []byte) {
	if len(tcp) < 20 {
		return
	}
	var srcIP, dstIP [4]byte
	copy(srcIP[:], ipHeader[12:16])
	copy(dstIP[:], ipHeader[16:20])

	srcPort := binary.BigEndian.Uint16(tcp[0:2])
	dstPort := binary.BigEndian.Uint16(tcp[2:4])
	seq := binary.BigEndian.Uint32(tcp[4:8])
	dataOffset := int(tcp[12]>>4) * 4
	flags := tcp[13]

	key := natKey{guestSrcPort: srcPort, dstIP: dstIP, dstPort: dstPort}

	if flags&tcpFlagSYN != 0 && flags&tcpFlagACK == 0 {
		s.acceptNewFlow(key, srcIP, dstIP, srcPort, dstPort, seq)
		return
	}

	s.mu.Lock()
	entry, ok := s.tcpNAT[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	entry.lastActivity = time.Now()

	if flags&tcpFlagACK != 0 && entry.state == tcpSynReceived {
		entry.state = tcpEstablished
		entry.ourSeq++
	}

	if len(tcp) > dataOffset && entry.state == tcpEstablished {
		payload := tcp[dataOffset:]
		if len(payload) > 0 {
			if _, err := entry.conn.Write(payload); err != nil {
				entry.state = tcpClosed
			} else {
				entry.guestAck = seq + uint32(len(payload))
				s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, entry.ourSeq, entry.guestAck, 0, nil))
			}
		}
	}

	if flags&tcpFlagFIN != 0 {
		entry.guestAck = seq + 1
		s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, entry.ourSeq, entry.guestAck, tcpFlagFIN|tcpFlagACK, nil))
		entry.ourSeq++
		entry.state = tcpClosed
	}

	if flags&tcpFlagRST != 0 {
		entry.state = tcpClosed
	}
}

// acceptNewFlow admits a guest-initiated TCP SYN, subject to (in order) the
// destination deny list, the new-connection rate limit, and the concurrent
// connection cap; any of the three refuses the flow with a RST rather than
// dialing out.
func (s *Stack) acceptNewFlow(key natKey, srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq uint32) {
	if s.isDenied(dstIP) {
		s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, 0, seq+1, tcpFlagRST|tcpFlagACK, nil))
		return
	}
	if !s.newConnRL.Allow() {
		s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, 0, seq+1, tcpFlagRST|tcpFlagACK, nil))
		return
	}

	s.mu.Lock()
	delete(s.tcpNAT, key)
	if len(s.tcpNAT) >= s.maxConns {
		s.mu.Unlock()
		s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, 0, seq+1, tcpFlagRST|tcpFlagACK, nil))
		return
	}
	s.mu.Unlock()

	// The guest routes everything it doesn't have a more specific route
	// for through the gateway; map that to localhost so host-only
	// services are reachable from inside the sandbox.
	hostIP := dstIP
	var dialIP net.IP
	if dstIP == GatewayIP {
		dialIP = net.IPv4(127, 0, 0, 1)
	} else {
		dialIP = net.IPv4(hostIP[0], hostIP[1], hostIP[2], hostIP[3])
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(dialIP.String(), strconv.Itoa(int(dstPort))), 10*time.Second)
	if err != nil {
		s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, 0, seq+1, tcpFlagRST|tcpFlagACK, nil))
		return
	}

	ourSeq := pseudoRandomSeq()
	s.mu.Lock()
	s.tcpNAT[key] = &tcpNatEntry{
		conn:         conn,
		state:        tcpSynReceived,
		ourSeq:       ourSeq,
		guestAck:     seq + 1,
		lastActivity: time.Now(),
	}
	s.mu.Unlock()

	s.inject(buildTCPFrame(dstIP, GuestIP, dstPort, srcPort, ourSeq, seq+1, tcpFlagSYN|tcpFlagACK, nil))
}

// relayTCPData pulls any data sitting in established host connections and
// turns it into frames queued for the guest; closed or idle-too-long
// entries are torn down.
func (s *Stack) relayTCPData() {
	s.mu.Lock()
	entries := make(map[natKey]*tcpNatEntry, len(s.tcpNAT))
	for k, v := range s.tcpNAT {
		entries[k] = v
	}
	s.mu.Unlock()

	var toRemove []natKey
	for key, entry := range entries {
		if entry.state == tcpClosed {
			toRemove = append(toRemove, key)
			continue
		}
		if time.Since(entry.lastActivity) > natIdleTime {
			toRemove = append(toRemove, key)
			continue
		}
		if entry.state != tcpEstablished {
			continue
		}

		if tc, ok := entry.conn.(*net.TCPConn); ok {
			_ = tc.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		}
		buf := make([]byte, 16384)
		n, err := entry.conn.Read(buf)
		if n > 0 {
			entry.toGuest = append(entry.toGuest, buf[:n]...)
			entry.lastActivity = time.Now()
		}
		if err != nil && n == 0 && isClosedOrEOF(err) {
			entry.state = tcpClosed
		}

		for len(entry.toGuest) > 0 && entry.state == tcpEstablished {
			chunkSize := len(entry.toGuest)
			if chunkSize > mtu-54 {
				chunkSize = mtu - 54
			}
			chunk := entry.toGuest[:chunkSize]
			entry.toGuest = entry.toGuest[chunkSize:]
			s.inject(buildTCPFrame(key.dstIP, GuestIP, key.dstPort, key.guestSrcPort, entry.ourSeq, entry.guestAck, 0, chunk))
			entry.ourSeq += uint32(len(chunk))
		}

		if entry.state == tcpClosed {
			s.inject(buildTCPFrame(key.dstIP, GuestIP, key.dstPort, key.guestSrcPort, entry.ourSeq, entry.guestAck, tcpFlagFIN|tcpFlagACK, nil))
		}
	}

	if len(toRemove) == 0 {
		return
	}
	s.mu.Lock()
	for _, key := range toRemove {
		if entry, ok := s.tcpNAT[key]; ok {
			entry.conn.Close()
		}
		delete(s.tcpNAT, key)
	}
	s.mu.Unlock()
}

func isClosedOrEOF(err error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

func buildTCPFrame(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags byte, payload []byte) []byte {
	tcpLen := 20 + len(payload)
	ipLen := 20 + tcpLen
	buf := make([]byte, 14+ipLen)

	copy(buf[0:6], GuestMAC[:])
	copy(buf[6:12], GatewayMAC[:])
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[14 : 14+20]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(ipLen))
	binary.BigEndian.PutUint16(ip[4:6], pseudoRandomID())
	ip[8] = 64
	ip[9] = 6
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipv4Checksum(ip))

	tcp := buf[34:]
	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	if flags != 0 || ack != 0 {
		binary.BigEndian.PutUint32(tcp[8:12], ack)
		flags |= tcpFlagACK
	}
	tcp[12] = 5 << 4 // data offset: 5 words, no options
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], tcpWindow)
	copy(tcp[20:], payload)

	cksum := tcpChecksum(srcIP, dstIP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], cksum)

	return buf
}

// ipv4Checksum computes the IPv4 header checksum over header, which must
// have its checksum field (bytes 10-11) zeroed or already excluded.
func ipv4Checksum(header []byte) uint16 {
	var sum uint32
	for i := 0; i < len(header); i += 2 {
		if i == 10 {
			continue
		}
		var word uint32
		if i+1 < len(header) {
			word = uint32(header[i])<<8 | uint32(header[i+1])
		} else {
			word = uint32(header[i]) << 8
		}
		sum += word
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// tcpChecksum computes the TCP checksum over a pseudo-header (src/dst IP,
// protocol 6, TCP length) followed by the TCP segment itself. The
// segment's own checksum field must be zero when called.
func tcpChecksum(srcIP, dstIP [4]byte, segment []byte) uint16 {
	binary.BigEndian.PutUint16(segment[16:18], 0)

	var sum uint32
	add := func(b []byte) {
		for i := 0; i < len(b); i += 2 {
			if i+1 < len(b) {
				sum += uint32(b[i])<<8 | uint32(b[i+1])
			} else {
				sum += uint32(b[i]) << 8
			}
		}
	}

	add(srcIP[:])
	add(dstIP[:])
	sum += 6 // protocol
	sum += uint32(len(segment))
	add(segment)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func pseudoRandomSeq() uint32 {
	return uint32(time.Now().UnixNano()) * 2654435761
}

func pseudoRandomID() uint16 {
	return uint16(pseudoRandomSeq())
}

