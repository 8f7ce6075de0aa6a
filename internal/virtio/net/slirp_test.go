package net

import (
	"encoding/binary"
	"testing"
)

func TestHandleARPRepliesForNonGuestTarget(t *testing.T) {
	s := NewStack(StackSecurity{})

	target := [4]byte{10, 0, 2, 2}
	sender := [4]byte{10, 0, 2, 15}
	senderMAC := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	frame := make([]byte, 42)
	copy(frame[0:6], GatewayMAC[:])
	copy(frame[6:12], senderMAC[:])
	frame[12], frame[13] = 0x08, 0x06
	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)
	binary.BigEndian.PutUint16(arp[2:4], 0x0800)
	arp[4], arp[5] = 6, 4
	binary.BigEndian.PutUint16(arp[6:8], 1)
	copy(arp[8:14], senderMAC[:])
	copy(arp[14:18], sender[:])
	copy(arp[24:28], target[:])

	s.ProcessGuestFrame(frame)

	out := s.Poll()
	if len(out) != 1 {
		t.Fatalf("got %d injected frames, want 1", len(out))
	}
	reply := out[0]
	if len(reply) != 42 {
		t.Fatalf("reply length = %d, want 42", len(reply))
	}
	replyOpcode := binary.BigEndian.Uint16(reply[20:22])
	if replyOpcode != 2 {
		t.Fatalf("opcode = %d, want 2 (reply)", replyOpcode)
	}
	var gotTargetIP [4]byte
	copy(gotTargetIP[:], reply[28:32])
	if gotTargetIP != target {
		t.Fatalf("sender proto addr in reply = %v, want %v", gotTargetIP, target)
	}
}

func TestHandleARPSkipsGuestOwnAddress(t *testing.T) {
	s := NewStack(StackSecurity{})

	frame := make([]byte, 42)
	copy(frame[0:6], GatewayMAC[:])
	frame[12], frame[13] = 0x08, 0x06
	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)
	binary.BigEndian.PutUint16(arp[2:4], 0x0800)
	binary.BigEndian.PutUint16(arp[6:8], 1)
	copy(arp[24:28], GuestIP[:])

	s.ProcessGuestFrame(frame)

	if out := s.Poll(); len(out) != 0 {
		t.Fatalf("got %d frames for guest's own address, want 0", len(out))
	}
}

func TestIPv4ChecksumNonzeroAndStable(t *testing.T) {
	header := make([]byte, 20)
	header[0] = 0x45
	binary.BigEndian.PutUint16(header[2:4], 20)
	header[8] = 64
	header[9] = 6

	sum1 := ipv4Checksum(header)
	if sum1 == 0 {
		t.Fatal("checksum should not be zero for a non-trivial header")
	}

	binary.BigEndian.PutUint16(header[10:12], sum1)
	// ipv4Checksum skips the checksum field itself, so clearing the field
	// and recomputing must give back the same checksum.
	header[10], header[11] = 0, 0
	sum2 := ipv4Checksum(header)
	if sum1 != sum2 {
		t.Fatalf("checksum not stable across calls: %#x != %#x", sum1, sum2)
	}
}

func TestBuildUDPFrameWireFormat(t *testing.T) {
	payload := []byte("hello")
	frame := buildUDPFrame(DNSIP, GuestIP, 53, 40000, payload)

	if len(frame) != 14+20+8+len(payload) {
		t.Fatalf("frame length = %d, want %d", len(frame), 14+20+8+len(payload))
	}
	if frame[12] != 0x08 || frame[13] != 0x00 {
		t.Fatalf("ethertype = %02x%02x, want 0800", frame[12], frame[13])
	}
	ip := frame[14:34]
	if ip[9] != 17 {
		t.Fatalf("protocol = %d, want 17 (UDP)", ip[9])
	}
	udp := frame[34:]
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	if srcPort != 53 {
		t.Fatalf("udp src port = %d, want 53", srcPort)
	}
	if string(udp[8:]) != "hello" {
		t.Fatalf("udp payload = %q, want %q", udp[8:], "hello")
	}
}

func TestAcceptNewFlowRejectsDeniedDestination(t *testing.T) {
	s := NewStack(StackSecurity{DenyCIDRs: []string{"169.254.0.0/16"}})

	key := natKey{guestSrcPort: 40000, dstIP: [4]byte{169, 254, 169, 254}, dstPort: 80}
	s.acceptNewFlow(key, GuestIP, key.dstIP, key.guestSrcPort, key.dstPort, 1000)

	out := s.Poll()
	if len(out) != 1 {
		t.Fatalf("got %d injected frames, want 1 RST", len(out))
	}
	tcp := out[0][34:]
	if tcp[13]&tcpFlagRST == 0 {
		t.Fatalf("flags = %#x, want RST set", tcp[13])
	}
	if _, ok := s.tcpNAT[key]; ok {
		t.Fatal("denied destination must not open a NAT entry")
	}
}

func TestAcceptNewFlowEnforcesRateLimit(t *testing.T) {
	s := NewStack(StackSecurity{MaxConnsPerSecond: 1})
	// Drain the limiter's single token synchronously before the first flow.
	s.newConnRL.Allow()

	key := natKey{guestSrcPort: 40001, dstIP: [4]byte{127, 0, 0, 1}, dstPort: 9}
	s.acceptNewFlow(key, GuestIP, key.dstIP, key.guestSrcPort, key.dstPort, 1000)

	if _, ok := s.tcpNAT[key]; ok {
		t.Fatal("rate-limited flow must not open a NAT entry")
	}
}

func TestAcceptNewFlowEnforcesConcurrentCap(t *testing.T) {
	s := NewStack(StackSecurity{MaxConcurrentConns: 1})
	s.tcpNAT[natKey{guestSrcPort: 1, dstIP: [4]byte{127, 0, 0, 1}, dstPort: 9}] = &tcpNatEntry{}

	key := natKey{guestSrcPort: 40002, dstIP: [4]byte{127, 0, 0, 1}, dstPort: 9}
	s.acceptNewFlow(key, GuestIP, key.dstIP, key.guestSrcPort, key.dstPort, 1000)

	if _, ok := s.tcpNAT[key]; ok {
		t.Fatal("flow beyond the concurrent cap must not be admitted")
	}
}

func TestBuildTCPFrameSetsAckAndChecksum(t *testing.T) {
	frame := buildTCPFrame(GatewayIP, GuestIP, 80, 54321, 1000, 2000, tcpFlagSYN, nil)

	ip := frame[14:34]
	if ip[9] != 6 {
		t.Fatalf("protocol = %d, want 6 (TCP)", ip[9])
	}
	tcp := frame[34:]
	seq := binary.BigEndian.Uint32(tcp[4:8])
	ack := binary.BigEndian.Uint32(tcp[8:12])
	if seq != 1000 || ack != 2000 {
		t.Fatalf("seq/ack = %d/%d, want 1000/2000", seq, ack)
	}
	flags := tcp[13]
	if flags&tcpFlagSYN == 0 || flags&tcpFlagACK == 0 {
		t.Fatalf("flags = %#x, want SYN|ACK set", flags)
	}
	if cksum := binary.BigEndian.Uint16(tcp[16:18]); cksum == 0 {
		t.Fatal("tcp checksum should not be left as zero")
	}
}
