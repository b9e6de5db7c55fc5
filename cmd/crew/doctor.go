package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-crew/internal/config"
	"github.com/basket/go-crew/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, backends and provider reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			var diag doctor.Diagnosis
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
				diag = doctor.Run(cmd.Context(), nil, Version)
			} else {
				diag = doctor.Run(cmd.Context(), &cfg, Version)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "crew doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n---\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				for _, r := range diag.Results {
					fmt.Fprintf(out, "%-4s %-12s %s\n", r.Status, r.Name, r.Message)
					if r.Detail != "" {
						fmt.Fprintf(out, "     %s\n", r.Detail)
					}
				}
			}
			if diag.Failed() {
				return fmt.Errorf("doctor: checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}
