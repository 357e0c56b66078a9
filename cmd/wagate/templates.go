package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage message templates",
	}
	cmd.AddCommand(templatesListCmd(), templatesImportCmd(), templatesPreviewCmd())
	return cmd
}

func templatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List approved templates",
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

			tpls, err := a.catalog.Approved(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCONTENT SID\tSLOTS\tBODY")
			for _, t := range tpls {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Name, t.ContentReference, len(t.Slots), t.Body)
			}
			return tw.Flush()
		},
	}
}

func templatesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file-or-dir>",
		Short: "Import templates from a YAML catalog",
		Long:  "Reads a YAML catalog file, or every .yaml/.yml file in a directory. Slots are recomputed from each body.",
		Args:  cobra.ExactArgs(1),
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

			rep, err := a.catalog.Import(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range rep.Saved {
				fmt.Printf("  [SAVED]    %s\n", name)
			}
			rejected := make([]string, 0, len(rep.Rejected))
			for name := range rep.Rejected {
				rejected = append(rejected, name)
			}
			sort.Strings(rejected)
			for _, name := range rejected {
				fmt.Printf("  [REJECTED] %s: %s\n", name, rep.Rejected[name])
			}
			if len(rejected) > 0 {
				return fmt.Errorf("%d template(s) rejected", len(rejected))
			}
			return nil
		},
	}
}

func templatesPreviewCmd() *cobra.Command {
	var (
		vars   []string
		sample string
	)
	cmd := &cobra.Command{
		Use:   "preview <name>",
		Short: "Show the content variables a template send would use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseVars(vars)
			if err != nil {
				return err
			}
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

			p, err := a.catalog.Preview(cmd.Context(), args[0], values, sample)
			if err != nil {
				return err
			}
			return printJSON(p)
		},
	}
	cmd.Flags().StringArrayVar(&vars, "var", nil, `template variable as "name=value" (repeatable)`)
	cmd.Flags().StringVar(&sample, "sample", "", "message text to extract variables from")
	return cmd
}
