package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var follow bool

// followInterval is how often --follow polls for new output.
var followInterval = time.Second

var logsCmd = &cobra.Command{
	Use:   "logs [build_id]",
	Short: "Print or follow the output of a build",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		buildID := args[0]

		// Ctrl+C ends --follow
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := NewBuildClient(viper.GetString("url"))
		var lastID int64 = 0

		for {
			newLogs, err := client.GetLogs(buildID, lastID)
			if err != nil {
				cmd.Printf("Error fetching logs: %v\n", err)
				if !follow {
					return
				}
			}

			for _, log := range newLogs {
				cmd.Println(log.Content)
				if log.ID > lastID {
					lastID = log.ID
				}
			}

			// Without --follow, page until caught up.
			if !follow {
				if len(newLogs) == 0 {
					return
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(followInterval):
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
}
