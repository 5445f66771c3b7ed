package arp

import (
	"reflect"
	"testing"
)

func TestParsePOSIX(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want []string
	}{
		{
			name: "linux format",
			out: `? (192.168.1.1) at 11:22:33:44:55:66 [ether] on eth0
? (192.168.1.50) at aa:bb:cc:dd:ee:ff [ether] on eth0
? (192.168.1.77) at <incomplete> on eth0
`,
			want: []string{"192.168.1.1", "192.168.1.50"},
		},
		{
			name: "macos format with hostnames",
			out: `router.lan (10.0.0.1) at 11:22:33:44:55:66 on en0 ifscope [ethernet]
laptop.lan (10.0.0.42) at aa:bb:cc:dd:ee:ff on en0 ifscope [ethernet]
`,
			want: []string{"10.0.0.1", "10.0.0.42"},
		},
		{
			name: "empty output",
			out:  "",
			want: nil,
		},
		{
			name: "garbage lines ignored",
			out:  "no matches here\njust text\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePOSIX(tt.out)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parsePOSIX() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseWindows(t *testing.T) {
	out := `
Interface: 192.168.1.10 --- 0xb
  Internet Address      Physical Address      Type
  192.168.1.1           11-22-33-44-55-66     dynamic
  192.168.1.50          aa-bb-cc-dd-ee-ff     dynamic
  192.168.1.255         ff-ff-ff-ff-ff-ff     static
  224.0.0.22            01-00-5e-00-00-16     static
`

	want := []string{"192.168.1.1", "192.168.1.50"}
	got := parseWindows(out)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseWindows() = %v, want %v", got, want)
	}
}

func TestParseWindows_Empty(t *testing.T) {
	if got := parseWindows(""); got != nil {
		t.Errorf("parseWindows(empty) = %v, want nil", got)
	}
}
