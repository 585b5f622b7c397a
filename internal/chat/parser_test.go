package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		botName  string
		wantName string
		wantArgs []string
	}{
		{"bare command", "/help", "MiddlemanDeskBot", "help", []string{}},
		{"with args", "/escrow @alice @bob $100", "MiddlemanDeskBot", "escrow", []string{"@alice", "@bob", "$100"}},
		{"addressed to us", "/paid@MiddlemanDeskBot 7", "MiddlemanDeskBot", "paid", []string{"7"}},
		{"addressed case-insensitive", "/paid@middlemandeskbot 7", "MiddlemanDeskBot", "paid", []string{"7"}},
		{"upper-cased command", "/Paid 7", "MiddlemanDeskBot", "paid", []string{"7"}},
		{"surrounding whitespace", "  /paid 7  ", "MiddlemanDeskBot", "paid", []string{"7"}},
		{"newline separator", "/paid\n7", "MiddlemanDeskBot", "paid", []string{"7"}},
		{"unverifiable mention", "/paid@SomeBot 7", "", "paid", []string{"7"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, ok := ParseCommand(tt.text, tt.botName)
			require.True(t, ok)
			assert.Equal(t, tt.wantName, cmd.Name)
			assert.Equal(t, tt.wantArgs, cmd.Args)
		})
	}
}

func TestParseCommand_NotOurs(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain text", "hello there"},
		{"empty", ""},
		{"no slash", "paid 7"},
		{"slash only", "/"},
		{"mention only", "/@MiddlemanDeskBot"},
		{"other bot", "/paid@OtherBot 7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseCommand(tt.text, "MiddlemanDeskBot")
			assert.False(t, ok)
		})
	}
}

func TestCommand_Rest(t *testing.T) {
	cmd, ok := ParseCommand("/payment 7 bank  acct   42", "")
	require.True(t, ok)

	assert.Equal(t, "7 bank  acct   42", cmd.Rest(0))
	assert.Equal(t, "bank  acct   42", cmd.Rest(1), "interior spacing preserved")
	assert.Equal(t, "42", cmd.Rest(3))
	assert.Equal(t, "", cmd.Rest(4))
	assert.Equal(t, "", cmd.Rest(10))
}

func TestChat_IsGroup(t *testing.T) {
	assert.True(t, (&Chat{Type: ChatTypeGroup}).IsGroup())
	assert.True(t, (&Chat{Type: ChatTypeSupergroup}).IsGroup())
	assert.False(t, (&Chat{Type: ChatTypePrivate}).IsGroup())
	assert.False(t, (*Chat)(nil).IsGroup())
}

func TestChat_Label(t *testing.T) {
	assert.Equal(t, "@sam", (&Chat{Username: "sam", FirstName: "Sam"}).Label())
	assert.Equal(t, "Sam", (&Chat{FirstName: "Sam"}).Label())
	assert.Equal(t, "Desk Trades", (&Chat{Title: "Desk Trades"}).Label())
	assert.Equal(t, "", (*Chat)(nil).Label())
}
