package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildrunner/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [build_id]",
	Short: "Get status of a build",
	Long:  `Retrieve the recorded result of a build: its outcome (complete, timeout, error), exit code, artifact and timestamps.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		buildID := args[0]

		client := NewBuildClient(viper.GetString("url"))
		build, err := client.GetBuild(buildID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Request failed (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Failed to send request: %v\n", err)
			}
			return
		}

		printStatus(cmd, *build)
	},
}

func printStatus(cmd *cobra.Command, build api.BuildResponse) {
	// Header with outcome icon
	icon := outcomeIcon(build.Outcome)
	cmd.Printf("%s %sBuild Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, build.ID)
	cmd.Printf("%sRepository:%s  %s\n", colorDim, colorReset, build.Repository)
	cmd.Printf("%sOutcome:%s     %s\n", colorDim, colorReset, colorizeOutcome(build.Outcome))
	cmd.Printf("%sExit Code:%s   %s\n", colorDim, colorReset, colorizeExitCode(build.ExitCode))

	if build.ArtifactName != "" {
		cmd.Printf("%sArtifact:%s    %s\n", colorDim, colorReset, build.ArtifactName)
	}

	// Error (if present)
	if build.Error != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, build.Error, colorReset)
	}

	// Timestamps with relative time
	cmd.Printf("%sStarted:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(build.StartedAt))

	// Duration if both times available
	if build.StartedAt != nil && build.FinishedAt != nil {
		duration := build.FinishedAt.Sub(*build.StartedAt)
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(build.FinishedAt),
			colorCyan, formatDuration(duration), colorReset)
	} else {
		cmd.Printf("%sFinished:%s    %s\n", colorDim, colorReset, formatTimeWithRelative(build.FinishedAt))
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func outcomeIcon(outcome string) string {
	switch outcome {
	case api.OutcomeComplete:
		return colorGreen + "✓" + colorReset
	case api.OutcomeError:
		return colorRed + "✗" + colorReset
	case api.OutcomeTimeout:
		return colorYellow + "⏱" + colorReset
	default:
		return "•"
	}
}

func colorizeOutcome(outcome string) string {
	icon := outcomeIcon(outcome)
	switch outcome {
	case api.OutcomeComplete:
		return icon + " " + colorGreen + outcome + colorReset
	case api.OutcomeError:
		return icon + " " + colorRed + outcome + colorReset
	case api.OutcomeTimeout:
		return icon + " " + colorYellow + outcome + colorReset
	default:
		return outcome
	}
}

func colorizeExitCode(code int) string {
	if code == 0 {
		return fmt.Sprintf("%s%d%s", colorGreen, code, colorReset)
	}
	return fmt.Sprintf("%s%d%s", colorRed, code, colorReset)
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
