package main

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
)

type fakePanel struct {
	sent   []lifecycle.Command
	status lifecycle.Status
	port   uint16
}

func (p *fakePanel) Send(cmd lifecycle.Command) { p.sent = append(p.sent, cmd) }
func (p *fakePanel) Status() lifecycle.Status   { return p.status }
func (p *fakePanel) Port() uint16               { return p.port }

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line    string
		want    consoleInput
		wantErr bool
	}{
		{line: "start", want: consoleInput{command: lifecycle.Restart{}}},
		{line: "  RESTART ", want: consoleInput{command: lifecycle.Restart{}}},
		{line: "stop", want: consoleInput{command: lifecycle.Stop{}}},
		{line: "port 9000", want: consoleInput{command: lifecycle.SwitchPort{Port: 9000}}},
		{line: "quit", want: consoleInput{command: lifecycle.Shutdown{}}},
		{line: "status", want: consoleInput{status: true}},
		{line: "help", want: consoleInput{help: true}},
		{line: "", want: consoleInput{}},
		{line: "port", wantErr: true},
		{line: "port 0", wantErr: true},
		{line: "port 70000", wantErr: true},
		{line: "port abc", wantErr: true},
		{line: "dance", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseConsoleLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConsoleLine(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(consoleInput{})); diff != "" {
				t.Errorf("parseConsoleLine(%q) did not match expected; diff:\n%s", tt.line, diff)
			}
		})
	}

	if _, err := parseConsoleLine("dance"); !errors.Is(err, errUnknownCommand) {
		t.Errorf("unknown commands want errUnknownCommand, got %v", err)
	}
}

func TestRunConsole(t *testing.T) {
	panel := &fakePanel{status: lifecycle.OnlineAt(net.IPv4(10, 0, 0, 5)), port: 8000}
	in := strings.NewReader("port 9001\nbogus\nstatus\nrestart\nquit\nstop\n")
	var out bytes.Buffer

	runConsole(in, &out, panel)

	// Nothing after quit is read.
	want := []lifecycle.Command{lifecycle.SwitchPort{Port: 9001}, lifecycle.Restart{}, lifecycle.Shutdown{}}
	if diff := cmp.Diff(want, panel.sent); diff != "" {
		t.Errorf("sent commands did not match expected; diff:\n%s", diff)
	}
	if !strings.Contains(out.String(), "online at 10.0.0.5 (port 8000)") {
		t.Errorf("status output missing from console:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("unknown command error missing from console:\n%s", out.String())
	}
}
