package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	taskmarket "github.com/taskmarket/taskmarket/sdk/golang"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation interactively",
	Long:  "Open a conversation, print its history and new messages as they arrive,\nand send every line typed. Ctrl-D or Ctrl-C leaves.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()
		if err := session.Start(ctx); err != nil {
			logger.Warn("session_start_incomplete", "error", err)
		}

		in, out, restore, err := chatIO()
		if err != nil {
			return err
		}
		defer restore()

		printer := newMessagePrinter(out)
		session.Connections().OnFailed(func(e taskmarket.FailedEvent) {
			fmt.Fprintf(out, "! %v\n", e.Err)
		})

		stream, err := session.OpenConversation(ctx, taskmarket.ID(args[0]))
		if err != nil {
			return err
		}
		stream.OnChange(printer.print)
		printer.print(stream.Messages())

		lines := make(chan string)
		go func() {
			defer close(lines)
			for {
				line, err := in()
				if err != nil {
					return
				}
				lines <- line
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := stream.SendMessage(ctx, line); err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	},
}

// chatIO returns a line reader and an output writer. On a terminal it uses
// x/term's line editor so incoming messages do not clobber the prompt.
func chatIO() (readLine func() (string, error), out io.Writer, restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(os.Stdin)
		readLine = func() (string, error) {
			if scanner.Scan() {
				return scanner.Text(), nil
			}
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return readLine, os.Stdout, func() {}, nil
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raw terminal: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	return t.ReadLine, t, func() { term.Restore(fd, state) }, nil
}

// messagePrinter prints each confirmed message once.
type messagePrinter struct {
	out io.Writer

	mu      sync.Mutex
	printed map[taskmarket.ID]bool
}

func newMessagePrinter(out io.Writer) *messagePrinter {
	return &messagePrinter{out: out, printed: make(map[taskmarket.ID]bool)}
}

func (p *messagePrinter) print(msgs []taskmarket.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if m.Pending || m.ID == "" || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m))
	}
}
