package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wainbound/internal/config"
	"github.com/nextlevelbuilder/wainbound/internal/store/sqlite"
)

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect batches the pipeline gave up delivering",
	}
	cmd.AddCommand(deadLettersListCmd())
	return cmd
}

func deadLettersListCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			s, err := sqlite.Open(config.ExpandHome(cfg.DeadLetter.Path))
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := s.List(context.Background(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			if len(rows) == 0 {
				fmt.Println("no dead letters")
				return nil
			}
			for _, dl := range rows {
				fmt.Printf("%s  %-36s  %-28s  %2d events  %s\n",
					dl.FailedAt.Format("2006-01-02 15:04:05"), dl.BatchID, dl.SenderID, dl.Events, dl.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rows as JSON")
	return cmd
}
