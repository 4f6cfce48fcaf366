package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/state"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/models"
)

func newStateCommand(load func() (*config.Settings, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the persisted table state",
	}

	withStore := func(cmd *cobra.Command, fn func(ctx context.Context, store *state.Store) error) error {
		settings, err := load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := state.Open(ctx, settings.StatePath, zap.NewNop())
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, store)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the state of every table that has run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *state.Store) error {
				states, err := store.ListStates(ctx)
				if err != nil {
					return err
				}
				printStates(states)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <table_id>",
		Short: "Print the state and file manifest of a table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *state.Store) error {
				st, err := store.Load(ctx, args[0])
				if err != nil {
					return err
				}
				if st == nil {
					return fmt.Errorf("table %s has no state", args[0])
				}
				manifest, err := store.Manifest(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(struct {
					State    *models.TableState     `json:"state"`
					Manifest []models.ManifestEntry `json:"manifest"`
				}{st, manifest}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			})
		},
	})

	var yes bool
	reset := &cobra.Command{
		Use:   "reset <table_id>",
		Short: "Forget the watermark, pending files and manifest of a table",
		Long: `Delete everything tablemirror remembers locally about a table. Rows already
in the warehouse are not removed. An incremental table with a warehouse target
resumes from the position recorded in the warehouse manifest; any other table
starts from the initial watermark and is extracted again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", args[0])
			}
			return withStore(cmd, func(ctx context.Context, store *state.Store) error {
				if err := store.ResetTable(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("state of %s reset\n", args[0])
				return nil
			})
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	cmd.AddCommand(reset)

	return cmd
}

func printStates(states []*models.TableState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tMODE\tWATERMARK\tLAST SUCCESS\tPENDING\tLAST SEQUENCE")
	for _, st := range states {
		wm := "-"
		if st.WatermarkValue != nil {
			wm = st.WatermarkValue.String()
		}
		last := "-"
		if st.LastSuccessAt != nil {
			last = st.LastSuccessAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", st.TableID, st.Mode, wm, last, len(st.PendingFiles), st.LastSequence)
	}
	_ = w.Flush()
}
