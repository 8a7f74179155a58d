package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spadaval/graphchat-sub000/internal/model"
)

func newThreadsCmd(s *state) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List and manage threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp := s.engine.Threads.List(limit, 0)
			out := cmd.OutOrStdout()
			if resp.Total == 0 {
				fmt.Fprintln(out, "No threads.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "\tID\tTITLE\tMESSAGES\tLAST ACTIVITY")
			for _, t := range resp.Threads {
				marker := ""
				if t.ID == resp.CurrentID {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", marker, t.ID, t.Title, t.MessageCount,
					t.LastMessageAt.Local().Format("2006-01-02 15:04"))
			}
			if resp.HasMore {
				fmt.Fprintf(w, "\t... %d more\t\t\t\n", resp.Total-len(resp.Threads))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "max threads to list")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print the messages of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, err := s.engine.Threads.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", thread.Title)
			for _, m := range thread.Messages {
				variants := ""
				if len(m.Variants) > 1 {
					variants = fmt.Sprintf(" [%d/%d]", m.CurrentIndex()+1, len(m.Variants))
				}
				fmt.Fprintf(out, "\n%s%s:\n%s\n", roleLabel(m.Role), variants, m.Text())
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a thread",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			thread, err := s.engine.Threads.Rename(args[0], &model.UpdateThreadRequest{
				Title: strings.Join(args[1:], " "),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %q\n", thread.ID, thread.Title)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.engine.Threads.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "select <id>",
		Short: "Make a thread current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.engine.Threads.Select(args[0])
		},
	})

	return cmd
}

func roleLabel(r model.Role) string {
	switch r {
	case model.RoleUser:
		return "You"
	case model.RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}
