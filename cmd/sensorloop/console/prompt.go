package console

import (
	"errors"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// ErrQuit is returned by Shell.Next when the user closes the input.
var ErrQuit = errors.New("quit")

// Shell reads commands line by line with history and completion.
type Shell struct {
	rl *readline.Instance
}

// NewShell starts a prompt completing the given command words.
func NewShell(prompt string, commands ...string) (*Shell, error) {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, err
	}
	return &Shell{rl: rl}, nil
}

// Next returns the next non-empty line, split into words.
func (s *Shell) Next() ([]string, error) {
	for {
		line, err := s.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil, ErrQuit
		}
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			return fields, nil
		}
	}
}

// Stdout is safe to print to while a prompt is shown.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

func (s *Shell) Close() error {
	return s.rl.Close()
}
