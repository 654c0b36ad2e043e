package sniff

import (
	"strings"
	"testing"
)

func TestSummarizeNoopWhenDisabled(t *testing.T) {
	called := false
	d := New(false, func(string) { called = true })
	d.Summarize(1, 0xFF, 10)
	if called {
		t.Fatalf("Summarize logged while disabled")
	}
}

func TestSummarizeFormatsControlFlags(t *testing.T) {
	var logged string
	d := New(true, func(line string) { logged = line })

	d.Summarize(7, 1|2, 5) // SYN | DAT

	if !strings.Contains(logged, "conn=7") {
		t.Fatalf("Summarize output %q missing conn id", logged)
	}
	if !strings.Contains(logged, "SYN") || !strings.Contains(logged, "DAT") {
		t.Fatalf("Summarize output %q missing expected flags", logged)
	}
	if strings.Contains(logged, "FIN") || strings.Contains(logged, "RST") {
		t.Fatalf("Summarize output %q has unset flags", logged)
	}
	if !strings.Contains(logged, "len=5") {
		t.Fatalf("Summarize output %q missing data length", logged)
	}
}
