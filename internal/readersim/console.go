package readersim

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnknownAction = errors.New("unknown action")

// ConsoleHelp lists the actions Exec understands.
const ConsoleHelp = `match N        place the finger stored at slot N
unknown        place a finger the reader never saw
login N        operator login capture for slot N
store N...     preload templates
stored         list occupied slots
status S       report reader status (conectado, desconectado)
mute | unmute  swallow or answer commands
fail-enroll M  fail the next enrollment with message M
fail-delete N  fail erasing slot N`

// Exec runs one console line against the agent and returns what to print.
func (a *Agent) Exec(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	action, args := strings.ToLower(fields[0]), fields[1:]

	switch action {
	case "match", "login", "fail-delete":
		if len(args) != 1 {
			return "", fmt.Errorf("%s needs one slot", action)
		}
		n, err := a.slot(args[0])
		if err != nil {
			return "", err
		}
		switch action {
		case "match":
			a.Place(n)
			return fmt.Sprintf("finger %d placed", n), nil
		case "login":
			a.Login(n)
			return fmt.Sprintf("operator login %d", n), nil
		default:
			a.FailDelete(n)
			return fmt.Sprintf("erasing %d will fail", n), nil
		}
	case "unknown":
		a.PlaceUnknown()
		return "unknown finger placed", nil
	case "store":
		ids := make([]int, 0, len(args))
		for _, s := range args {
			n, err := a.slot(s)
			if err != nil {
				return "", err
			}
			ids = append(ids, n)
		}
		a.Store(ids...)
		return fmt.Sprintf("stored %v", a.Stored()), nil
	case "stored":
		return fmt.Sprint(a.Stored()), nil
	case "status":
		if len(args) != 1 {
			return "", errors.New("status needs a value")
		}
		a.ReportStatus(args[0])
		return "status " + args[0], nil
	case "mute", "unmute":
		a.SetMuted(action == "mute")
		return action + "d", nil
	case "fail-enroll":
		msg := strings.Join(args, " ")
		if msg == "" {
			msg = "Digitais não conferem"
		}
		a.FailNextEnroll(msg)
		return "next enrollment fails: " + msg, nil
	case "help":
		return ConsoleHelp, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (a *Agent) slot(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > a.opts.Capacity {
		return 0, fmt.Errorf("invalid slot %q", s)
	}
	return n, nil
}
