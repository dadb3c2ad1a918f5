package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/creachadair/kscape"
	"github.com/ergochat/readline"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

const (
	historyFileName = ".kscape_history"
	historySize     = 500
	shellPrompt     = "kscape> "
)

const shellHelp = `Commands:
  details <handle>...   print content details
  stats                 print cache and client statistics
  help                  print this message
  quit                  end the session
`

// A lineEditor reads commands from the user. On a terminal it supports line
// editing and history; otherwise it reads plain lines from stdin.
type lineEditor struct {
	rl *readline.Instance // nil if not interactive
	sc *bufio.Scanner
}

func newLineEditor() *lineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return &lineEditor{sc: bufio.NewScanner(os.Stdin)}
	}
	var historyPath string
	if home, err := os.UserHomeDir(); err == nil {
		historyPath = filepath.Join(home, historyFileName)
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyPath,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("readline unavailable, using basic input")
		return &lineEditor{sc: bufio.NewScanner(os.Stdin)}
	}
	return &lineEditor{rl: rl}
}

// getLine reads the next line, reporting io.EOF at the end of input or when
// the user interrupts the prompt.
func (le *lineEditor) getLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Print(prompt)
		if !le.sc.Scan() {
			if err := le.sc.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.sc.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	} else if err != nil {
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

// output returns the writer for asynchronous output, which must not clobber
// the prompt.
func (le *lineEditor) output() io.Writer {
	if le.rl != nil {
		return le.rl
	}
	return os.Stdout
}

func (le *lineEditor) close() {
	if le.rl != nil {
		le.rl.Close()
	}
}

func runShell(ctx context.Context) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	le := newLineEditor()
	defer le.close()

	// Print events as they arrive, while the user is at the prompt.
	sub := c.SubscribeAll(0)
	defer sub.Close()
	go func() {
		for evt := range sub.C() {
			fmt.Fprintf(le.output(), "[event] %s %+v\n", evt.EventName(), evt)
		}
	}()

	for {
		line, err := le.getLine(shellPrompt)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "quit", "exit":
			return nil
		case "help", "?":
			fmt.Print(shellHelp)
		case "stats":
			st := c.Cache().Stats()
			fmt.Printf("cache: %d entries, %d hits, %d misses\n", st.Entries, st.Hits, st.Misses)
			fmt.Printf("client: %v\n", c.Metrics())
		case "details":
			if len(args) == 1 {
				fmt.Println("usage: details <handle>...")
				continue
			}
			for _, h := range args[1:] {
				if err := printDetails(ctx, c, h); err != nil {
					fmt.Printf("error: %v\n", err)
				}
			}
		default:
			fmt.Printf("unknown command %q (try help)\n", args[0])
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func printDetails(ctx context.Context, c *kscape.Client, handle string) error {
	d, err := lookup(ctx, c, handle)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	os.Stdout.Write(out)
	return nil
}
