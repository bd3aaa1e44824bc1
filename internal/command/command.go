// ABOUTME: REPL command vocabulary shared by the client and server binaries
// ABOUTME: Parses start/stop/logon/logoff/recstart/recstop/status/quit lines
package command

import "strings"

// Command is one REPL action.
type Command int

const (
	Unknown Command = iota
	Start
	Stop
	LogOn
	LogOff
	RecStart
	RecStop
	Status
	Quit
	Help
)

var names = map[string]Command{
	"start":    Start,
	"stop":     Stop,
	"logon":    LogOn,
	"logoff":   LogOff,
	"recstart": RecStart,
	"recstop":  RecStop,
	"status":   Status,
	"quit":     Quit,
	"exit":     Quit,
	"help":     Help,
}

// Parse maps an input line to a command. Unknown input returns Unknown and
// the word that failed to parse.
func Parse(line string) (Command, string) {
	word := strings.ToLower(strings.TrimSpace(line))
	if word == "" {
		return Unknown, ""
	}
	if cmd, ok := names[word]; ok {
		return cmd, word
	}
	return Unknown, word
}

// HelpText lists the accepted commands.
func HelpText() string {
	return "commands: start stop logon logoff recstart recstop status quit"
}
