package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spadaval/graphchat-sub000/internal/model"
	"github.com/spadaval/graphchat-sub000/internal/params"
	"github.com/spadaval/graphchat-sub000/internal/service"
)

func newChatCmd(s *state) *cobra.Command {
	var (
		threadID string
		docIDs   []string
		sets     []string
	)

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message, or start an interactive session",
		Long: `Send a message and print the response as it streams.

Without a message argument, chat reads one message per line from stdin.
Lines starting with a slash are commands:
  /new     start a new thread
  /regen   regenerate the last response
  /next    show the next variant of the last response
  /prev    show the previous variant of the last response
  /quit    leave

Examples:
  graphchat chat "What is a monad?"
  graphchat chat --thread 0190c3e2-... "And a functor?"
  graphchat chat --doc style --set temperature=0.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(sets) > 0 {
				u, err := parseSets(sets)
				if err != nil {
					return err
				}
				s.engine.Params.Set(u)
			}

			opts := service.SendOptions{ThreadID: threadID, DocumentIDs: docIDs}
			out := cmd.OutOrStdout()
			if len(args) > 0 {
				_, err := s.send(cmd.Context(), out, strings.Join(args, " "), opts)
				return err
			}
			return s.repl(cmd.Context(), cmd.InOrStdin(), out, opts)
		},
	}

	cmd.Flags().StringVarP(&threadID, "thread", "t", "", "thread to continue (default: the current thread)")
	cmd.Flags().StringSliceVarP(&docIDs, "doc", "d", nil, "document ids to include as context")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a model parameter, e.g. temperature=0.2")
	return cmd
}

// parseSets turns key=value pairs into a parameter update. Values use YAML
// syntax, so stop=[a,b] sets a list.
func parseSets(sets []string) (params.Partial, error) {
	var doc strings.Builder
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return params.Partial{}, fmt.Errorf("invalid parameter %q, want key=value", kv)
		}
		fmt.Fprintf(&doc, "%s: %s\n", strings.TrimSpace(key), value)
	}

	var u params.Partial
	dec := yaml.NewDecoder(strings.NewReader(doc.String()))
	dec.KnownFields(true)
	if err := dec.Decode(&u); err != nil {
		return params.Partial{}, fmt.Errorf("invalid parameters: %w", err)
	}
	return u, nil
}

func (s *state) repl(ctx context.Context, in io.Reader, out io.Writer, opts service.SendOptions) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/new":
			thread, err := s.engine.Threads.Create(&model.CreateThreadRequest{})
			if err != nil {
				return err
			}
			opts.ThreadID = thread.ID
			fmt.Fprintf(out, "new thread %s\n", thread.ID)
			continue
		case "/regen", "/next", "/prev":
			if err := s.variantCommand(ctx, out, line, opts.ThreadID); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			continue
		}

		ex, err := s.send(ctx, out, line, opts)
		if err != nil {
			return err
		}
		if ex != nil {
			opts.ThreadID = ex.ThreadID
		}
	}
}

// lastAssistant finds the newest assistant message of a thread.
func (s *state) lastAssistant(threadID string) (string, model.Message, error) {
	if threadID == "" {
		threadID = s.engine.Store.CurrentThreadID()
	}
	thread, err := s.engine.Threads.Get(threadID)
	if err != nil {
		return "", model.Message{}, err
	}
	for i := len(thread.Messages) - 1; i >= 0; i-- {
		if thread.Messages[i].Role == model.RoleAssistant {
			return threadID, thread.Messages[i], nil
		}
	}
	return "", model.Message{}, errors.New("no response to work on yet")
}

func (s *state) variantCommand(ctx context.Context, out io.Writer, command, threadID string) error {
	threadID, msg, err := s.lastAssistant(threadID)
	if err != nil {
		return err
	}

	switch command {
	case "/regen":
		if _, err := s.engine.Chat.RegenerateMessage(ctx, threadID, msg.ID); err != nil {
			return err
		}
	case "/next":
		if _, err := s.engine.Chat.NextVariant(threadID, msg.ID); err != nil {
			return err
		}
	case "/prev":
		if _, err := s.engine.Chat.PreviousVariant(threadID, msg.ID); err != nil {
			return err
		}
	}

	msg, err = s.engine.Store.Message(threadID, msg.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "[%d/%d] %s\n", msg.CurrentIndex()+1, len(msg.Variants), msg.Text())
	return nil
}

type sendResult struct {
	exchange *service.Exchange
	err      error
}

// send delivers one message and prints the response as the store receives
// it. An interrupt cancels the generation.
func (s *state) send(ctx context.Context, out io.Writer, text string, opts service.SendOptions) (*service.Exchange, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	events, unsubscribe := s.engine.Store.Subscribe(1024)
	defer unsubscribe()

	done := make(chan sendResult, 1)
	go func() {
		ex, err := s.engine.Chat.SendMessage(ctx, text, opts)
		done <- sendResult{exchange: ex, err: err}
	}()

	p := &printer{out: out}
	for {
		select {
		case ev := <-events:
			p.handle(ev)
		case res := <-done:
			for drained := false; !drained; {
				select {
				case ev := <-events:
					p.handle(ev)
				default:
					drained = true
				}
			}
			if res.err != nil {
				return nil, res.err
			}
			p.finish(res.exchange)
			return res.exchange, nil
		}
	}
}

// printer writes the response being generated.
type printer struct {
	out       io.Writer
	messageID int64
	printed   strings.Builder
}

func (p *printer) handle(ev model.Event) {
	switch ev.Kind {
	case model.EventMessageAppended:
		if ev.Generating && p.messageID == 0 {
			p.messageID = ev.MessageID
		}
	case model.EventVariantAppended:
		if ev.MessageID == p.messageID {
			fmt.Fprint(p.out, ev.Delta)
			p.printed.WriteString(ev.Delta)
		}
	case model.EventVariantReplaced:
		if ev.MessageID == p.messageID {
			if p.printed.Len() > 0 {
				fmt.Fprintln(p.out)
			}
			fmt.Fprint(p.out, ev.Delta)
			p.printed.Reset()
			p.printed.WriteString(ev.Delta)
		}
	}
}

func (p *printer) finish(ex *service.Exchange) {
	if ex == nil {
		return
	}
	// Events may have been dropped; the settled text is authoritative.
	if text := ex.AssistantMessage.Text(); p.printed.String() != text {
		if p.printed.Len() > 0 {
			fmt.Fprintln(p.out)
		}
		fmt.Fprint(p.out, text)
	}
	fmt.Fprintln(p.out)

	if ex.Outcome == service.OutcomeCancelled {
		fmt.Fprintln(p.out, "(cancelled)")
	}
}
