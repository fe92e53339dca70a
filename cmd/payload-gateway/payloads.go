package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

func newPayloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payloads",
		Short: "Inspect persisted payloads",
	}
	cmd.AddCommand(newPayloadsListCmd())
	return cmd
}

func newPayloadsListCmd() *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payloads that have not been delivered yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadSettings()
			if err != nil {
				return err
			}
			filter, err := parseStates(states)
			if err != nil {
				return err
			}
			repo, err := store.NewRepository(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("initialize repository: %w", err)
			}
			payloads, err := repo.ListByStates(cmd.Context(), filter...)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKEY\tSTATE\tFILES\tRETRIES\tCREATED")
			for _, p := range payloads {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", p.ID, p.Key, p.State, p.Count(), p.RetryCount, p.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Only list payloads in these states (created, upload, notify)")
	return cmd
}

func parseStates(values []string) ([]payload.State, error) {
	if len(values) == 0 {
		return []payload.State{payload.StateCreated, payload.StateUpload, payload.StateNotify}, nil
	}
	states := make([]payload.State, 0, len(values))
	for _, v := range values {
		switch s := payload.State(v); s {
		case payload.StateCreated, payload.StateUpload, payload.StateNotify:
			states = append(states, s)
		default:
			return nil, fmt.Errorf("unknown payload state %q", v)
		}
	}
	return states, nil
}
