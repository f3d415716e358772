// Package cli runs interactive line oriented tools.
package cli

import (
	"bufio"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop reads lines from terminal with completion, or from piped stdin in batch mode.
// Lines "exit" and "quit" end the loop.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		execOrExit := func(line string) {
			if isExit(line) {
				os.Exit(0)
			}
			exec(line)
		}
		prompt.New(execOrExit, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return
	}
	if err := Batch(os.Stdin, exec); err != nil {
		log.Fatal(err)
	}
}

// Batch calls exec for every trimmed line of r until exit line or EOF.
func Batch(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if isExit(line) {
			return nil
		}
		exec(line)
	}
	return scanner.Err()
}

func isExit(line string) bool {
	line = strings.TrimSpace(line)
	return line == "exit" || line == "quit"
}
