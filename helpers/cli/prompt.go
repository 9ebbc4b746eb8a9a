// Package cli runs interactive line executor.
// Terminal gets go-prompt with completion, pipe input is executed line by line.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

type Executor func(line string)
type Completer func(d prompt.Document) []prompt.Suggest

func MainLoop(tag string, exec Executor, complete Completer) error {
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		prompt.New(prompt.Executor(exec), prompt.Completer(complete),
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ExecReader(os.Stdin, exec)
}

// ExecReader calls exec for every non-empty line until EOF.
func ExecReader(r io.Reader, exec Executor) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read input")
}

// FilterSuggest completes word before cursor.
func FilterSuggest(suggests []prompt.Suggest) Completer {
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
