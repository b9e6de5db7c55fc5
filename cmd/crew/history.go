package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/bus"
)

func newHistoryCmd() *cobra.Command {
	var (
		project string
		agentID string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show persisted bus messages, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			b := bus.New(env.store, env.logger)
			defer b.Close()
			msgs, err := b.History(cmd.Context(), bus.HistoryQuery{ProjectID: project, AgentID: agentID, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), msgs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tFROM\tTO\tCONTENT")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					m.Timestamp.Local().Format(time.DateTime), m.Type, orDash(m.FromAgentID), orDash(m.ToAgentID), oneLine(m.Content, 80))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only messages in this project")
	cmd.Flags().StringVar(&agentID, "agent", "", "only messages sent or received by this agent")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "newest messages to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
