package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var redeliverCmd = &cobra.Command{
	Use:   "redeliver",
	Short: "Republish pending and failed usage events once, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.sweeper.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("redelivery sweep: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "candidates=%d published=%d failed=%d skipped=%d\n",
			res.Candidates, res.Published, res.Failed, res.Skipped)
		if res.Failed > 0 {
			return fmt.Errorf("%d usage events could not be published", res.Failed)
		}
		return nil
	},
}
