package netcalc

import (
	"errors"
	"fmt"
	"testing"
)

func TestCalculate(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		netmask    string
		wantBase   string
		wantPrefix int
	}{
		{
			name:       "standard /24",
			address:    "192.168.1.57",
			netmask:    "255.255.255.0",
			wantBase:   "192.168.1.0",
			wantPrefix: 24,
		},
		{
			name:       "/16",
			address:    "10.42.7.200",
			netmask:    "255.255.0.0",
			wantBase:   "10.42.0.0",
			wantPrefix: 16,
		},
		{
			name:       "/25 splits last octet",
			address:    "172.16.5.130",
			netmask:    "255.255.255.128",
			wantBase:   "172.16.5.128",
			wantPrefix: 25,
		},
		{
			name:       "address equal to base",
			address:    "10.0.0.0",
			netmask:    "255.255.255.0",
			wantBase:   "10.0.0.0",
			wantPrefix: 24,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Calculate(tt.address, tt.netmask)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Base != tt.wantBase {
				t.Errorf("base = %s, want %s", s.Base, tt.wantBase)
			}
			if s.PrefixLen != tt.wantPrefix {
				t.Errorf("prefix = %d, want %d", s.PrefixLen, tt.wantPrefix)
			}
		})
	}
}

func TestCalculate_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		address string
		netmask string
	}{
		{"too few octets", "192.168.1", "255.255.255.0"},
		{"too many octets", "192.168.1.1.1", "255.255.255.0"},
		{"octet out of range", "192.168.1.256", "255.255.255.0"},
		{"negative octet", "192.168.-1.1", "255.255.255.0"},
		{"non-numeric octet", "192.168.x.1", "255.255.255.0"},
		{"empty octet", "192.168..1", "255.255.255.0"},
		{"bad netmask octet", "192.168.1.1", "255.255.300.0"},
		{"non-contiguous mask", "192.168.1.1", "255.0.255.0"},
		{"empty address", "", "255.255.255.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.address, tt.netmask)
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
		})
	}
}

// The network base address must satisfy base == address AND mask, per octet.
func TestCalculate_MaskProperty(t *testing.T) {
	addrs := []string{"192.168.1.57", "10.0.0.1", "172.31.255.254", "192.0.2.128"}
	masks := []string{"255.255.255.0", "255.255.0.0", "255.0.0.0", "255.255.255.128"}

	for _, addr := range addrs {
		for _, mask := range masks {
			s, err := Calculate(addr, mask)
			if err != nil {
				t.Fatalf("Calculate(%s, %s): %v", addr, mask, err)
			}
			aOct, _ := parseOctets("address", addr)
			mOct, _ := parseOctets("netmask", mask)
			for i := 0; i < 4; i++ {
				if s.Octets[i] != aOct[i]&mOct[i] {
					t.Errorf("Calculate(%s, %s) octet %d = %d, want %d",
						addr, mask, i, s.Octets[i], aOct[i]&mOct[i])
				}
			}
		}
	}
}

func TestContains(t *testing.T) {
	s, err := Calculate("192.168.1.57", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}

	// Any IP formed by flipping the last octet of the base is a member.
	for i := 0; i <= 255; i++ {
		ip := fmt.Sprintf("192.168.1.%d", i)
		if !s.Contains(ip) {
			t.Errorf("Contains(%s) = false, want true", ip)
		}
	}

	// Different first-three-octet prefixes are never members.
	outside := []string{"192.168.2.57", "192.167.1.57", "10.168.1.57", "8.8.8.8"}
	for _, ip := range outside {
		if s.Contains(ip) {
			t.Errorf("Contains(%s) = true, want false", ip)
		}
	}

	// Malformed IPs are not members.
	if s.Contains("not-an-ip") {
		t.Error("Contains(not-an-ip) = true, want false")
	}
}

func TestHosts(t *testing.T) {
	s, err := Calculate("10.0.0.17", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}

	hosts := s.Hosts()
	if len(hosts) != 254 {
		t.Fatalf("len(hosts) = %d, want 254", len(hosts))
	}
	if hosts[0] != "10.0.0.1" {
		t.Errorf("first host = %s, want 10.0.0.1", hosts[0])
	}
	if hosts[253] != "10.0.0.254" {
		t.Errorf("last host = %s, want 10.0.0.254", hosts[253])
	}
	for _, h := range hosts {
		if !s.Contains(h) {
			t.Errorf("host %s not contained in its own subnet", h)
		}
	}
}

func TestCIDR(t *testing.T) {
	s, err := Calculate("192.168.1.57", "255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.CIDR(); got != "192.168.1.0/24" {
		t.Errorf("CIDR() = %s, want 192.168.1.0/24", got)
	}
}
