package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/internal/engine"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "engine",
		Short: "Transaction queue and nonce pipeline",
		Run:   run,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) {
	config.LoadEnv()
	config.InitLogger()

	if err := config.Load(configPath); err != nil {
		panic("Failed to load config: " + err.Error())
	}

	service, err := engine.NewService(config.GlobalConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine service")
	}

	if err := service.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine service")
	}

	// Wait for interrupt signal to gracefully shutdown the workers
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down engine...")
	service.Stop()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath,
		"config",
		"config",
		"Path to the directory holding chains.json and queue.json",
	)
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}
