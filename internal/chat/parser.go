package chat

import "strings"

// Command is a parsed slash command.
type Command struct {
	Name string   // lower-cased, without the slash or bot mention
	Args []string // whitespace-split arguments

	rest string // raw text after the command token
}

// ParseCommand extracts a slash command from message text. Commands may be
// addressed, "/escrow@MiddlemanDeskBot" style; a command addressed to a
// different bot is not ours and parses as no command at all.
func ParseCommand(text, botName string) (*Command, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, false
	}

	token := text[1:]
	rest := ""
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token, rest = token[:i], token[i+1:]
	}

	name := token
	if i := strings.Index(token, "@"); i >= 0 {
		name = token[:i]
		target := token[i+1:]
		if target != "" && botName != "" && !strings.EqualFold(target, botName) {
			return nil, false
		}
	}
	if name == "" {
		return nil, false
	}

	return &Command{
		Name: strings.ToLower(name),
		Args: strings.Fields(rest),
		rest: rest,
	}, true
}

// Rest returns the raw argument text with the first n arguments skipped,
// preserving interior spacing. Payout details are free text, so they cannot
// be reassembled from the split Args.
func (c *Command) Rest(n int) string {
	s := strings.TrimSpace(c.rest)
	for ; n > 0 && s != ""; n-- {
		if i := strings.IndexAny(s, " \t\n"); i >= 0 {
			s = strings.TrimLeft(s[i+1:], " \t\n")
		} else {
			s = ""
		}
	}
	return strings.TrimSpace(s)
}
