package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		body     string
		template string
		vars     []string
		media    []string
		subject  string
	)
	cmd := &cobra.Command{
		Use:   "send <recipient>...",
		Short: "Send a message to one or more WhatsApp numbers",
		Long: "Sends body to every recipient. Recipients outside the 24-hour session window still get a " +
			"freeform send with a warning unless --template selects an approved template.",
		Args: cobra.MinimumNArgs(1),
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

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sc, err := a.sendConfig(ctx, template, values, media)
			if err != nil {
				return err
			}
			outcomes, err := a.gateway.Send(ctx, args, body, sc, subject)
			if err != nil {
				return err
			}
			if err := printJSON(outcomes); err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if !o.OK() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sends failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&body, "body", "b", "", "message text")
	cmd.Flags().StringVarP(&template, "template", "t", "", "send with this approved template")
	cmd.Flags().StringArrayVar(&vars, "var", nil, `template variable as "name=value" (repeatable)`)
	cmd.Flags().StringArrayVar(&media, "media", nil, "media URL to attach (repeatable)")
	cmd.Flags().StringVar(&subject, "subject", "", "reference subject stored with each message")
	return cmd
}

func windowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "window <phone>",
		Short: "Check whether a number is inside the 24-hour session window",
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

			check, err := a.window.CheckNumber(cmd.Context(), args[0], time.Now())
			if err != nil {
				return err
			}
			return printJSON(check)
		},
	}
}

// parseVars turns name=value pairs into a values map.
func parseVars(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid --var %q, want name=value", p)
		}
		values[strings.TrimSpace(name)] = value
	}
	return values, nil
}
