// Package cli provides the command-line interface for graphchat.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/spadaval/graphchat-sub000/internal/app"
	"github.com/spadaval/graphchat-sub000/internal/config"
	"github.com/spadaval/graphchat-sub000/pkg/logger"
)

// Version is set at build time.
var Version = "0.1.0"

// state is shared by every command of one invocation.
type state struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	engine *app.App

	// opts are passed to app.New; tests use them to swap the backend.
	opts []app.Option
}

// NewRootCmd builds the command tree.
func NewRootCmd(opts ...app.Option) *cobra.Command {
	s := &state{opts: opts}

	root := &cobra.Command{
		Use:   "graphchat",
		Short: "Chat with a local completion server",
		Long: `graphchat keeps threads of conversation with a language model server.

Responses stream as they are generated. Threads, edits and regenerated
answers are kept in the configured storage backend.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "help" {
				return nil
			}
			return s.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return s.close()
		},
	}

	root.PersistentFlags().StringVarP(&s.configPath, "config", "c", "", "path to a config file")
	root.PersistentFlags().BoolVarP(&s.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(newChatCmd(s))
	root.AddCommand(newThreadsCmd(s))
	root.AddCommand(newParamsCmd(s))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})

	return root
}

func (s *state) open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg

	log := logger.NewNop()
	if s.verbose {
		log, err = logger.New("debug", "console")
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
	}

	s.engine, err = app.New(ctx, cfg, log, s.opts...)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

func (s *state) close() error {
	if s.engine == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.engine.Close(ctx)
	s.engine = nil
	return err
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}
