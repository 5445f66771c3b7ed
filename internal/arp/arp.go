// Package arp reads candidate peer addresses from the operating system's
// ARP table. The table is the cheap discovery path: hosts that have
// exchanged traffic recently show up here without any probing.
//
// Platform differences (command output layout) are isolated behind the
// TableReader interface so the scanning algorithm stays platform-agnostic.
package arp

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// TableReader lists IPv4 addresses currently present in the ARP table.
type TableReader interface {
	Entries(ctx context.Context) ([]string, error)
}

const commandTimeout = 10 * time.Second

// NewTableReader returns the reader for the current platform.
func NewTableReader() TableReader {
	if runtime.GOOS == "windows" {
		return &windowsReader{}
	}
	return &posixReader{}
}

// posixReader parses `arp -a` output on Linux and macOS:
//
//	? (192.168.1.50) at aa:bb:cc:dd:ee:ff [ether] on eth0
//	router.lan (192.168.1.1) at 11:22:33:44:55:66 on en0 ifscope [ethernet]
type posixReader struct{}

var posixEntry = regexp.MustCompile(`\((\d{1,3}(?:\.\d{1,3}){3})\)\s+at\s+(\S+)`)

func (r *posixReader) Entries(ctx context.Context) ([]string, error) {
	out, err := runARP(ctx)
	if err != nil {
		return nil, err
	}
	return parsePOSIX(out), nil
}

func parsePOSIX(out string) []string {
	var ips []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := posixEntry.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		// "(incomplete)" entries have no resolved hardware address.
		if strings.Contains(m[2], "incomplete") {
			continue
		}
		ips = append(ips, m[1])
	}
	return ips
}

// windowsReader parses the tabular `arp -a` output on Windows:
//
//	Interface: 192.168.1.10 --- 0xb
//	  Internet Address      Physical Address      Type
//	  192.168.1.1           11-22-33-44-55-66     dynamic
//	  192.168.1.255         ff-ff-ff-ff-ff-ff     static
type windowsReader struct{}

var windowsEntry = regexp.MustCompile(`^\s*(\d{1,3}(?:\.\d{1,3}){3})\s+([0-9a-fA-F-]{17})\s+(\w+)`)

func (r *windowsReader) Entries(ctx context.Context) ([]string, error) {
	out, err := runARP(ctx)
	if err != nil {
		return nil, err
	}
	return parseWindows(out), nil
}

func parseWindows(out string) []string {
	var ips []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := windowsEntry.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		// Broadcast and multicast rows are static entries, never peers.
		if m[2] == "ff-ff-ff-ff-ff-ff" || strings.EqualFold(m[3], "static") {
			continue
		}
		ips = append(ips, m[1])
	}
	return ips
}

func runARP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "arp", "-a").Output()
	if err != nil {
		return "", fmt.Errorf("running arp -a: %w", err)
	}
	return string(out), nil
}
