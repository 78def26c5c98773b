package listener

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// Console is the operator's terminal. Asynchronous output is printed above
// the prompt so it never breaks the line being typed, and can be held back
// while the console is asking a question.
type Console struct {
	mu        sync.Mutex
	rl        *readline.Instance
	in        *bufio.Scanner
	out       io.Writer
	holdAsync bool
	heldLines []string
	closeOnce sync.Once
}

func New(prompt string, completer readline.AutoCompleter) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, err
	}
	return &Console{rl: rl, out: rl.Stdout()}, nil
}

// NewPlain builds a console without line editing, reading commands from in.
func NewPlain(in io.Reader, out io.Writer) *Console {
	c := &Console{out: out}
	if in != nil {
		c.in = bufio.NewScanner(in)
	}
	return c
}

// Close releases the terminal. It is safe to call more than once.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		if c.rl != nil {
			_ = c.rl.Close()
		}
	})
}

func (c *Console) SetPrompt(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rl != nil {
		c.rl.SetPrompt(p)
	}
}

func (c *Console) BeginInteractive() {
	c.mu.Lock()
	c.holdAsync = true
	c.mu.Unlock()
}

func (c *Console) EndInteractive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdAsync = false
	for _, s := range c.heldLines {
		c.printAboveUnlocked(s)
	}
	c.heldLines = nil
}

func (c *Console) printAboveUnlocked(s string) {
	if c.rl == nil {
		fmt.Fprintln(c.out, s)
		return
	}
	_, _ = c.rl.Write([]byte("\r\n" + s + "\r\n"))
	c.rl.Refresh()
}

// PrintAbove prints s immediately, even while output is held.
func (c *Console) PrintAbove(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printAboveUnlocked(s)
}

func (c *Console) AsyncPrintln(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holdAsync {
		c.heldLines = append(c.heldLines, s)
		return
	}
	c.printAboveUnlocked(s)
}

// ReadLine returns the next trimmed input line. It returns io.EOF when input
// ends and readline.ErrInterrupt on Ctrl+C.
func (c *Console) ReadLine() (string, error) {
	if c.rl != nil {
		line, err := c.rl.Readline()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(line), nil
	}
	if c.in == nil || !c.in.Scan() {
		if c.in != nil && c.in.Err() != nil {
			return "", c.in.Err()
		}
		return "", io.EOF
	}
	return strings.TrimSpace(c.in.Text()), nil
}

func (c *Console) GetConfirmation(prompt string) string {
	ans, _ := c.readConfirmation(prompt)
	return ans
}

// AskYesNo asks until the answer is y/yes or n/no. End of input counts as
// no.
func (c *Console) AskYesNo(question string) bool {
	c.BeginInteractive()
	defer c.EndInteractive()

	c.PrintAbove(question + " [y/n]")

	for {
		line, err := c.readConfirmation("> ")
		if err != nil {
			return false
		}
		if line == "y" || line == "yes" {
			return true
		}
		if line == "n" || line == "no" {
			return false
		}
		c.PrintAbove("Please answer y/n.")
	}
}

func (c *Console) readConfirmation(prompt string) (string, error) {
	c.mu.Lock()
	var old string
	if c.rl != nil {
		old = c.rl.Config.Prompt
		c.rl.SetPrompt(prompt)
	} else {
		fmt.Fprint(c.out, prompt)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.rl != nil {
			c.rl.SetPrompt(old)
		}
		c.mu.Unlock()
	}()
	line, err := c.ReadLine()
	return strings.ToLower(line), err
}
