// Package netcalc derives network/CIDR information from a local interface
// address and netmask. It is pure computation: no I/O, no side effects.
//
// Octets are handled individually rather than as packed 32-bit values so the
// math mirrors how subnet membership is checked elsewhere in the engine.
package netcalc

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ValidationError reports malformed address or netmask input. It is never
// swallowed: producing a zero subnet silently would poison every downstream
// membership check.
type ValidationError struct {
	Field string
	Value string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Cause)
}

// Subnet describes the network a local interface belongs to.
type Subnet struct {
	// Base is the network base address (address AND mask, per octet).
	Base string

	// PrefixLen is the CIDR prefix length (popcount of the mask).
	PrefixLen int

	// Octets are the base address octets used for membership checks.
	Octets [4]byte

	mask [4]byte
}

// Calculate derives the subnet for a dotted-quad address and netmask.
func Calculate(address, netmask string) (Subnet, error) {
	addr, err := parseOctets("address", address)
	if err != nil {
		return Subnet{}, err
	}

	mask, err := parseOctets("netmask", netmask)
	if err != nil {
		return Subnet{}, err
	}
	if err := validateMask(netmask, mask); err != nil {
		return Subnet{}, err
	}

	var s Subnet
	s.mask = mask
	for i := 0; i < 4; i++ {
		s.Octets[i] = addr[i] & mask[i]
		s.PrefixLen += bits.OnesCount8(mask[i])
	}
	s.Base = fmt.Sprintf("%d.%d.%d.%d", s.Octets[0], s.Octets[1], s.Octets[2], s.Octets[3])

	return s, nil
}

// CIDR returns the subnet in base/prefix notation.
func (s Subnet) CIDR() string {
	return fmt.Sprintf("%s/%d", s.Base, s.PrefixLen)
}

// Contains reports whether ip falls inside the subnet, comparing each octet
// under the mask. Malformed IPs are simply not members.
func (s Subnet) Contains(ip string) bool {
	octets, err := parseOctets("ip", ip)
	if err != nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if octets[i]&s.mask[i] != s.Octets[i] {
			return false
		}
	}
	return true
}

// Hosts returns the probeable host addresses of the subnet's /24
// (base.1 through base.254). Brute-force discovery sweeps this range when
// the ARP table yields nothing.
func (s Subnet) Hosts() []string {
	prefix := fmt.Sprintf("%d.%d.%d.", s.Octets[0], s.Octets[1], s.Octets[2])
	hosts := make([]string, 0, 254)
	for i := 1; i <= 254; i++ {
		hosts = append(hosts, prefix+strconv.Itoa(i))
	}
	return hosts
}

func parseOctets(field, value string) ([4]byte, error) {
	var out [4]byte

	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return out, &ValidationError{Field: field, Value: value, Cause: "expected four dotted octets"}
	}

	for i, p := range parts {
		if p == "" || len(p) > 3 {
			return out, &ValidationError{Field: field, Value: value, Cause: "malformed octet"}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return out, &ValidationError{Field: field, Value: value, Cause: fmt.Sprintf("octet %q out of range", p)}
		}
		out[i] = byte(n)
	}

	return out, nil
}

// validateMask rejects non-contiguous netmasks such as 255.0.255.0.
func validateMask(value string, mask [4]byte) error {
	packed := uint32(mask[0])<<24 | uint32(mask[1])<<16 | uint32(mask[2])<<8 | uint32(mask[3])
	ones := bits.OnesCount32(packed)
	if packed != 0 && packed != ^uint32(0)<<(32-ones) {
		return &ValidationError{Field: "netmask", Value: value, Cause: "mask bits are not contiguous"}
	}
	return nil
}
