package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded builds, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		client := NewBuildClient(viper.GetString("url"))

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		builds, err := client.ListBuilds(limit, offset)
		if err != nil {
			cmd.Printf("Error fetching builds: %s\n", err)
			return
		}

		if len(builds) == 0 {
			if offset > 0 {
				cmd.Println("No more builds found.")
			} else {
				cmd.Println("No builds found.")
			}
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "BUILD ID\tREPOSITORY\tOUTCOME\tEXIT\tFINISHED AT\tERROR")
		for _, b := range builds {
			finishedAt := ""
			if b.FinishedAt != nil {
				finishedAt = b.FinishedAt.Format(time.RFC3339)
			}
			// Truncate long error messages for the table view
			errMsg := b.Error
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				b.ID,
				b.Repository,
				b.Outcome,
				b.ExitCode,
				finishedAt,
				errMsg,
			)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntP("limit", "l", 20, "Number of builds to list")
	listCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
