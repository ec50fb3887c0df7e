package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pipeline_service",
	Short: "Occupancy pipeline service for parking billing, notification and analytics",
	Long: `A service that consumes parking occupancy events from a durable
message broker, generates invoices, dispatches customer notifications,
maintains occupancy analytics, and exposes an API for invoice payment.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize()
}
