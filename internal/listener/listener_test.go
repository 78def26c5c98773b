package listener

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_HoldsAsyncOutput(t *testing.T) {
	var out bytes.Buffer
	c := NewPlain(nil, &out)

	c.AsyncPrintln("first")
	c.BeginInteractive()
	c.AsyncPrintln("held")
	c.PrintAbove("question")
	assert.Equal(t, "first\nquestion\n", out.String())

	c.EndInteractive()
	assert.Equal(t, "first\nquestion\nheld\n", out.String())
}

func TestConsole_ReadLine(t *testing.T) {
	c := NewPlain(strings.NewReader("  scan \nsalvage 2\n"), io.Discard)

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "scan", line)

	line, err = c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "salvage 2", line)

	_, err = c.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestConsole_AskYesNo(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  bool
	}{
		{name: "yes", input: "YES\n", want: true},
		{name: "no", input: "n\n", want: false},
		{name: "retries until valid", input: "maybe\ny\n", want: true},
		{name: "end of input", input: "", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			c := NewPlain(strings.NewReader(tc.input), &out)
			assert.Equal(t, tc.want, c.AskYesNo("Abort mission?"))
			assert.Contains(t, out.String(), "Abort mission? [y/n]")
		})
	}
}

func TestConsole_GetConfirmation(t *testing.T) {
	var out bytes.Buffer
	c := NewPlain(strings.NewReader(" Y \n"), &out)
	assert.Equal(t, "y", c.GetConfirmation("Proceed? [y/n] > "))
	assert.Equal(t, "Proceed? [y/n] > ", out.String())
}
