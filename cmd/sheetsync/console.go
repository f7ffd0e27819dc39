package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
)

const consoleHelp = `commands:
  start, restart   (re)start the listener on the current port
  stop             stop the listener
  port <n>         use port n the next time the listener starts
  status           print the listener status
  quit             shut down and exit`

// controlPanel is the part of the Controller the console drives.
type controlPanel interface {
	Send(cmd lifecycle.Command)
	Status() lifecycle.Status
	Port() uint16
}

var errUnknownCommand = errors.New("unknown command")

// consoleInput is one parsed console line. Exactly one field is set.
type consoleInput struct {
	command lifecycle.Command
	status  bool
	help    bool
}

func parseConsoleLine(line string) (consoleInput, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return consoleInput{}, nil
	}

	switch fields[0] {
	case "start", "restart":
		return consoleInput{command: lifecycle.Restart{}}, nil
	case "stop":
		return consoleInput{command: lifecycle.Stop{}}, nil
	case "quit", "exit":
		return consoleInput{command: lifecycle.Shutdown{}}, nil
	case "status":
		return consoleInput{status: true}, nil
	case "help", "?":
		return consoleInput{help: true}, nil
	case "port":
		if len(fields) != 2 {
			return consoleInput{}, errors.New("usage: port <n>")
		}
		port, err := strconv.ParseUint(fields[1], 10, 16)
		if err != nil || port == 0 {
			return consoleInput{}, fmt.Errorf("invalid port %q", fields[1])
		}
		return consoleInput{command: lifecycle.SwitchPort{Port: uint16(port)}}, nil
	}
	return consoleInput{}, fmt.Errorf("%w: %s (try help)", errUnknownCommand, fields[0])
}

// runConsole forwards commands typed on in to the panel until in is exhausted
// or a quit command is read.
func runConsole(in io.Reader, out io.Writer, panel controlPanel) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		input, err := parseConsoleLine(scanner.Text())
		switch {
		case err != nil:
			fmt.Fprintln(out, err)
		case input.help:
			fmt.Fprintln(out, consoleHelp)
		case input.status:
			fmt.Fprintf(out, "%v (port %d)\n", panel.Status(), panel.Port())
		case input.command != nil:
			panel.Send(input.command)
			if _, ok := input.command.(lifecycle.Shutdown); ok {
				return
			}
		}
	}
}
