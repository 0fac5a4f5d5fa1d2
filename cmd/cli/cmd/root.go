package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "buildctl",
	Short: "buildctl is a command line tool for the buildrunner build workers",
	Long: `buildctl is the command-line interface for buildrunner.

buildrunner workers consume build requests from a queue, run each build in a
primary container linked to optional service containers, and publish exactly
one result per build: complete, timeout (exit code 100) or error (exit code 500).

Common workflows:

  Submit a build:
    buildctl submit --repo app --uri https://git.example.com/app.git \
      --image golang:1.24 -c "go test ./..." --service db=postgres:16

  Submit and wait for the result:
    buildctl submit ... --wait --results mem://results

  List recorded builds:
    buildctl list

  Check a build:
    buildctl status <build-id>

  Stream logs:
    buildctl logs <build-id> --follow

Configuration:
  Set endpoints via flags, environment variables or a config file:
    BUILDCTL_URL        Worker HTTP API (default: http://localhost:6162)
    BUILDCTL_TOPIC      Build request topic URL (e.g. gcppubsub://projects/p/topics/builds)
    BUILDCTL_RESULTS    Build result subscription URL, used by submit --wait`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".buildctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".buildctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BUILDCTL_VARNAME"
	viper.SetEnvPrefix("BUILDCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.buildctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6162", "buildrunner worker URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("topic", "", "Build request topic URL")
	viper.BindPFlag("topic", rootCmd.PersistentFlags().Lookup("topic"))
}
