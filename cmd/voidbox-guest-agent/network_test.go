package main

import "testing"

func TestNetworkEnabledFromCmdline(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		want    bool
	}{
		{"present", "console=ttyS0 virtio_mmio.device=512@0xd0000000:10 ipv6.disable=1", true},
		{"absent", "console=ttyS0 voidbox.secret=abc", false},
		{"empty", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := networkEnabledFromCmdline(tc.cmdline); got != tc.want {
				t.Fatalf("networkEnabledFromCmdline(%q) = %v, want %v", tc.cmdline, got, tc.want)
			}
		})
	}
}
