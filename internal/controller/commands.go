package controller

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Command names an entry point reachable from HTTP and MQTT.
type Command string

const (
	CmdStartManualDispense   Command = "start_manual_dispense"
	CmdStartTrainingWindow   Command = "start_training_window"
	CmdCancelTraining        Command = "cancel_training"
	CmdSetTreatsPerHour      Command = "set_treats_per_hour"
	CmdSetHours              Command = "set_hours"
	CmdScheduleStart         Command = "schedule_start"
	CmdSchedulePauseOrResume Command = "schedule_pause_or_resume"
	CmdScheduleStop          Command = "schedule_stop"
)

// Commands lists every command in display order.
var Commands = []Command{
	CmdStartManualDispense,
	CmdStartTrainingWindow,
	CmdCancelTraining,
	CmdSetTreatsPerHour,
	CmdSetHours,
	CmdScheduleStart,
	CmdSchedulePauseOrResume,
	CmdScheduleStop,
}

// ErrUnknownCommand is returned for a name not in Commands.
var ErrUnknownCommand = errors.New("unknown command")

// Request is a parsed command.
type Request struct {
	Command Command
	Value   int // for the set_* commands
}

// ParseRequest validates a command name and its optional value.
func ParseRequest(name, value string) (Request, error) {
	cmd := Command(strings.ToLower(strings.TrimSpace(name)))
	switch cmd {
	case CmdSetTreatsPerHour, CmdSetHours:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return Request{}, fmt.Errorf("%s: value %q: %w", cmd, value, err)
		}
		return Request{Command: cmd, Value: n}, nil
	case CmdStartManualDispense, CmdStartTrainingWindow, CmdCancelTraining,
		CmdScheduleStart, CmdSchedulePauseOrResume, CmdScheduleStop:
		return Request{Command: cmd}, nil
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

// Execute runs r against the controller.
func (c *Controller) Execute(r Request, now time.Time) error {
	switch r.Command {
	case CmdStartManualDispense:
		return c.StartManualDispense(now)
	case CmdStartTrainingWindow:
		return c.StartTrainingWindow(now)
	case CmdCancelTraining:
		return c.CancelTraining(now)
	case CmdSetTreatsPerHour:
		c.SetTreatsPerHour(r.Value)
		return nil
	case CmdSetHours:
		c.SetHours(r.Value)
		return nil
	case CmdScheduleStart:
		return c.ScheduleStart(now)
	case CmdSchedulePauseOrResume:
		return c.SchedulePauseOrResume(now)
	case CmdScheduleStop:
		return c.ScheduleStop(now)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, r.Command)
	}
}
