package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent messages and delivery failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logCloser, err := loadConfig()
			if err != nil {
				return err
			}
			defer logCloser.Close()
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			v, err := a.store.SchemaVersion()
			if err != nil {
				return err
			}
			fmt.Printf("wagate %s  config=%s  db=%s (schema v%d)  whatsapp=%t\n\n",
				version, resolveConfigPath(), cfg.Store.DBPath, v, cfg.WhatsApp.Enabled)

			msgs, err := a.store.ListMessages(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UPDATED\tDIRECTION\tSID\tFROM\tTO\tSTATUS\tERROR")
			for _, m := range msgs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					m.UpdatedAt.Local().Format(time.DateTime), m.Direction, m.ExternalID, m.From, m.To, m.Status, m.ErrorCode)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			diags, err := a.store.ListDiagnostics(ctx, limit)
			if err != nil {
				return err
			}
			if len(diags) == 0 {
				return nil
			}
			fmt.Println("\nDelivery failures:")
			for _, d := range diags {
				fmt.Printf("  %s  %s  %s\n", d.CreatedAt.Local().Format(time.DateTime), d.ExternalID, d.Detail)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")
	return cmd
}
