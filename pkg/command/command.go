// Package command parses hub commands into a closed set of types and applies
// them to the running daemon.
package command

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire names of the supported commands.
const (
	NameSetUpdateInterval = "set_update_interval"
	NameSetLogLevel       = "set_log_level"
	NameSetFilter         = "set_filter"
	NameRunCommand        = "run_command"
	NameUpdateNode        = "update_node"
	NameUpdateProbe       = "update_probe"
	NameRebootProbe       = "reboot_probe"
)

// Command is one parsed hub instruction. The set of implementations is closed.
type Command interface {
	Name() string
	isCommand()
}

// SetUpdateInterval replaces the upload schedule. Periods are in seconds.
type SetUpdateInterval struct {
	StartTime      string
	EndTime        string
	ActivePeriod   uint64
	InactivePeriod uint64
}

// SetLogLevel changes the node's log verbosity.
type SetLogLevel struct {
	Level string
}

// SetFilter replaces the ingestion filter; empty clears it.
type SetFilter struct {
	Value string
}

// RunCommand forwards a raw console command to the node.
type RunCommand struct {
	Value string
}

// UpdateNode starts a node firmware update check.
type UpdateNode struct{}

// UpdateProbe starts a probe self-update check.
type UpdateProbe struct{}

// RebootProbe reboots the host.
type RebootProbe struct{}

// Unknown carries a command name this build does not understand.
type Unknown struct {
	Command string
}

func (SetUpdateInterval) Name() string { return NameSetUpdateInterval }
func (SetLogLevel) Name() string       { return NameSetLogLevel }
func (SetFilter) Name() string         { return NameSetFilter }
func (RunCommand) Name() string        { return NameRunCommand }
func (UpdateNode) Name() string        { return NameUpdateNode }
func (UpdateProbe) Name() string       { return NameUpdateProbe }
func (RebootProbe) Name() string       { return NameRebootProbe }
func (u Unknown) Name() string         { return u.Command }

func (SetUpdateInterval) isCommand() {}
func (SetLogLevel) isCommand()       {}
func (SetFilter) isCommand()         {}
func (RunCommand) isCommand()        {}
func (UpdateNode) isCommand()        {}
func (UpdateProbe) isCommand()       {}
func (RebootProbe) isCommand()       {}
func (Unknown) isCommand()           {}

// fields are the command-specific keys. They may appear flat on the command
// object or inside a nested "parameters" object.
type fields struct {
	StartTime      *string `json:"start_time"`
	EndTime        *string `json:"end_time"`
	ActivePeriod   *uint64 `json:"active_period"`
	InactivePeriod *uint64 `json:"inactive_period"`
	Level          *string `json:"level"`
	LogLevel       *string `json:"log_level"`
	Value          *string `json:"value"`
	LogFilter      *string `json:"log_filter"`
}

type wireCommand struct {
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters"`
	fields
}

type wireParameters struct {
	fields
	Command *string `json:"command"`
}

// Parse decodes one command object.
func Parse(raw []byte) (Command, error) {
	var wire wireCommand
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errors.Wrap(err, "decode command")
	}
	if wire.Command == "" {
		return nil, errors.New("command object has no \"command\" field")
	}
	f := wire.fields
	var nestedCommand *string
	if p := bytes.TrimSpace(wire.Parameters); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		var params wireParameters
		if err := json.Unmarshal(p, &params); err != nil {
			return nil, errors.Wrapf(err, "decode %s parameters", wire.Command)
		}
		f = merge(f, params.fields)
		nestedCommand = params.Command
	}

	switch wire.Command {
	case NameSetUpdateInterval:
		return SetUpdateInterval{
			StartTime:      deref(f.StartTime),
			EndTime:        deref(f.EndTime),
			ActivePeriod:   derefUint(f.ActivePeriod),
			InactivePeriod: derefUint(f.InactivePeriod),
		}, nil
	case NameSetLogLevel:
		level := first(f.Level, f.LogLevel)
		if level == nil || *level == "" {
			return nil, errors.New("set_log_level: missing level")
		}
		return SetLogLevel{Level: *level}, nil
	case NameSetFilter:
		value := first(f.Value, f.LogFilter)
		if value == nil {
			return nil, errors.New("set_filter: missing value")
		}
		return SetFilter{Value: *value}, nil
	case NameRunCommand:
		value := first(f.Value, nestedCommand)
		if value == nil || *value == "" {
			return nil, errors.New("run_command: missing value")
		}
		return RunCommand{Value: *value}, nil
	case NameUpdateNode:
		return UpdateNode{}, nil
	case NameUpdateProbe:
		return UpdateProbe{}, nil
	case NameRebootProbe:
		return RebootProbe{}, nil
	default:
		return Unknown{Command: wire.Command}, nil
	}
}

// ParseList decodes a hub response body. An empty body yields no commands.
// Elements that fail to parse are reported in errs at their index and
// skipped; the rest keep their order.
func ParseList(body []byte) (cmds []Command, errs []error, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, nil, errors.Wrap(err, "decode command list")
	}
	for i, raw := range raws {
		cmd, err := Parse(raw)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "command #%d", i))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errs, nil
}

func merge(flat, nested fields) fields {
	out := flat
	pick := func(dst **string, src *string) {
		if *dst == nil {
			*dst = src
		}
	}
	pick(&out.StartTime, nested.StartTime)
	pick(&out.EndTime, nested.EndTime)
	pick(&out.Level, nested.Level)
	pick(&out.LogLevel, nested.LogLevel)
	pick(&out.Value, nested.Value)
	pick(&out.LogFilter, nested.LogFilter)
	if out.ActivePeriod == nil {
		out.ActivePeriod = nested.ActivePeriod
	}
	if out.InactivePeriod == nil {
		out.InactivePeriod = nested.InactivePeriod
	}
	return out
}

func first(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefUint(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}
