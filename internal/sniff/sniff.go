// Package sniff implements the --dump-tunnel diagnostic surface
// supplemented from the teacher's own packet-dump mode
// (bitsinside-httptap's dumpPacketsToSubprocess/summarizeTCP in
// httptap.go/tcp.go): a one-line-per-packet log of tunnel header
// traffic, using gopacket's layer machinery to keep the dump format
// consistent with how the teacher itself summarizes TCP control flags,
// without ever touching payload bytes.
package sniff

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
)

// Dumper formats tunnel packets for logging when --dump-tunnel is set.
type Dumper struct {
	enabled bool
	log     func(string)
}

// New builds a Dumper. If enabled is false, Summarize is a no-op and
// never touches gopacket, matching the teacher's own dumpPacketsToSubprocess
// const-gated pattern.
func New(enabled bool, log func(string)) *Dumper {
	return &Dumper{enabled: enabled, log: log}
}

// Summarize logs one line describing a decoded tunnel packet. It builds
// a throwaway TCP layer purely to reuse gopacket's flag-summarizing
// conventions (see layers.TCP's SYN/FIN/RST/ACK fields), the way the
// teacher's summarizeTCP does for the real TCP flags it intercepts -
// here the "TCP-shaped" flags are this tunnel's own SYN/DAT/FIN/RST
// control bits, not an on-wire TCP header.
func (d *Dumper) Summarize(connID uint16, control byte, dataLen int) {
	if !d.enabled {
		return
	}
	tcp := layers.TCP{
		SYN: control&1 != 0, // tunnel.CtrlSYN
		ACK: control&2 != 0, // tunnel.CtrlDAT, reusing ACK's slot for "carries data"
		FIN: control&4 != 0, // tunnel.CtrlFIN
		RST: control&8 != 0, // tunnel.CtrlRST
	}
	d.log(fmt.Sprintf("tunnel packet conn=%d flags=%s len=%d", connID, tcpFlagString(&tcp), dataLen))
}

func tcpFlagString(tcp *layers.TCP) string {
	var flags []string
	if tcp.SYN {
		flags = append(flags, "SYN")
	}
	if tcp.ACK {
		flags = append(flags, "DAT")
	}
	if tcp.FIN {
		flags = append(flags, "FIN")
	}
	if tcp.RST {
		flags = append(flags, "RST")
	}
	return strings.Join(flags, "+")
}
