package client

import "strings"

// handleTabCompletion extends a partially typed command trigger to the
// longest prefix shared by every matching command.
func (a *App) handleTabCompletion() {
	value := a.input.Value()
	if value == "" || a.input.Position() != len([]rune(value)) {
		return
	}
	prefix := string(a.cfg.CommandPrefix)
	if !strings.HasPrefix(value, prefix) || strings.ContainsAny(value, " \t") {
		return
	}
	if completed, ok := completeCommand(a.commands, "/"+strings.TrimPrefix(value, prefix)); ok {
		a.input.SetValue(prefix + strings.TrimPrefix(completed, "/"))
		a.input.CursorEnd()
	}
}

func completeCommand(commands []commandSpec, typed string) (string, bool) {
	var matches []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd.trigger, typed) {
			matches = append(matches, cmd.trigger)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	completed := longestCommonPrefix(matches)
	if len(matches) == 1 {
		completed += " "
	}
	if len(completed) <= len(typed) {
		return "", false
	}
	return completed, true
}

func longestCommonPrefix(values []string) string {
	if len(values) == 0 {
		return ""
	}
	prefix := values[0]
	for _, s := range values[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}
