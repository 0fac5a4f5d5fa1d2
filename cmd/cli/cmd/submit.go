package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gocloud.dev/pubsub"

	"buildrunner/internal/queue"
	"buildrunner/pkg/api"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Publish a build request to the build queue",
	Long: `Publish a build request to the build topic. A worker subscribed to the
topic checks out the repository, runs the commands in the primary container
and publishes the result.

Service containers are given as alias=image and are reachable from the build
under their alias.

Example:
  buildctl submit --topic gcppubsub://projects/p/topics/builds \
    --repo app --uri https://git.example.com/app.git --branch main \
    --image node:20 -c "npm ci" -c "npm test" --service redis=redis:7 \
    --artifact dist/app.tgz --timeout 600`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		id, _ := flags.GetString("id")
		repo, _ := flags.GetString("repo")
		uri, _ := flags.GetString("uri")
		branch, _ := flags.GetString("branch")
		image, _ := flags.GetString("image")
		name, _ := flags.GetString("name")
		commands, _ := flags.GetStringArray("command")
		services, _ := flags.GetStringArray("service")
		timeout, _ := flags.GetInt("timeout")
		artifact, _ := flags.GetString("artifact")
		skipSetup, _ := flags.GetBool("skip-setup")
		wait, _ := flags.GetBool("wait")
		waitTimeout, _ := flags.GetDuration("wait-timeout")

		topicURL := viper.GetString("topic")
		if topicURL == "" {
			cmd.Println("Build topic not set. Please set it using the --topic flag or the BUILDCTL_TOPIC environment variable")
			return
		}

		if repo == "" {
			cmd.Println("Error: --repo is required")
			return
		}

		if image == "" {
			cmd.Println("Error: --image is required")
			return
		}

		if len(commands) == 0 {
			cmd.Println("Error: at least one --command is required")
			return
		}

		secondary, err := parseServices(services)
		if err != nil {
			cmd.Printf("Error: %v\n", err)
			return
		}

		resultsURL, _ := flags.GetString("results")
		if resultsURL == "" {
			resultsURL = viper.GetString("results")
		}
		if wait && resultsURL == "" {
			cmd.Println("Result subscription not set. Please set it using the --results flag or the BUILDCTL_RESULTS environment variable")
			return
		}

		if id == "" {
			id = uuid.NewString()
		}
		req := api.BuildRequest{
			ID:         id,
			Repository: api.Repository{Name: repo, URI: uri, Branch: branch},
			Commands:   commands,
			SkipSetup:  skipSetup,
			Container: api.ContainerSpec{
				Primary:   image,
				Name:      name,
				Secondary: secondary,
			},
			Timeout:      timeout,
			ArtifactPath: artifact,
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		// Subscribe before publishing so a fast result is not missed.
		var waitFor func() (api.BuildResult, error)
		if wait {
			sub, err := queue.OpenSubscription(ctx, resultsURL)
			if err != nil {
				cmd.Printf("Failed to subscribe to results: %v\n", err)
				return
			}
			defer sub.Shutdown(context.Background())

			waitFor = func() (api.BuildResult, error) {
				waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
				defer cancel()
				return awaitResult(waitCtx, sub, id)
			}
		}

		if err := publishRequest(ctx, topicURL, req); err != nil {
			cmd.Printf("Submit failed: %v\n", err)
			return
		}
		cmd.Printf("✓ Build submitted!\nBuild ID: %s\n", id)

		if waitFor == nil {
			return
		}
		cmd.Println("Waiting for result...")
		result, err := waitFor()
		if err != nil {
			cmd.Printf("No result for build %s: %v\n", id, err)
			return
		}
		printResult(cmd, result)
	},
}

func publishRequest(ctx context.Context, topicURL string, req api.BuildRequest) error {
	topic, err := queue.OpenTopic(ctx, topicURL)
	if err != nil {
		return err
	}
	defer topic.Shutdown(context.Background())

	msg, err := queue.EncodeRequest(req)
	if err != nil {
		return err
	}
	if err := topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish build request: %w", err)
	}
	return nil
}

// subscription is satisfied by *pubsub.Subscription.
type subscription interface {
	Receive(ctx context.Context) (*pubsub.Message, error)
}

// awaitResult receives results until the one for buildID arrives. Results for
// other builds are handed back to the subscription when it supports it.
func awaitResult(ctx context.Context, sub subscription, buildID string) (api.BuildResult, error) {
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			return api.BuildResult{}, err
		}
		if msg.Metadata[queue.MetadataID] != buildID {
			if msg.Nackable() {
				msg.Nack()
			} else {
				msg.Ack()
			}
			continue
		}
		msg.Ack()
		return queue.DecodeResult(msg)
	}
}

func parseServices(specs []string) ([]api.SecondaryContainer, error) {
	out := make([]api.SecondaryContainer, 0, len(specs))
	for _, spec := range specs {
		alias, image, ok := strings.Cut(spec, "=")
		if !ok || alias == "" || image == "" {
			return nil, fmt.Errorf("invalid --service %q, expected alias=image", spec)
		}
		out = append(out, api.SecondaryContainer{Image: image, Name: alias, Alias: alias})
	}
	return out, nil
}

func printResult(cmd *cobra.Command, r api.BuildResult) {
	cmd.Printf("%s %sBuild %s%s\n", outcomeIcon(r.Outcome), colorBold, r.ID, colorReset)
	cmd.Printf("%sOutcome:%s     %s\n", colorDim, colorReset, colorizeOutcome(r.Outcome))
	cmd.Printf("%sExit Code:%s   %s\n", colorDim, colorReset, colorizeExitCode(r.Status.ExitCode))
	if r.Artifact.Produce {
		cmd.Printf("%sArtifact:%s    %s\n", colorDim, colorReset, r.Artifact.Name)
	}
	if r.Error != "" {
		cmd.Printf("%sError:%s       %s%s%s\n", colorDim, colorReset, colorRed, r.Error, colorReset)
	}
	cmd.Printf("%sDuration:%s    %s\n", colorDim, colorReset, formatDuration(r.FinishedAt.Sub(r.StartedAt)))
}

func init() {
	flags := submitCmd.Flags()
	flags.String("id", "", "Build id (default: a random UUID)")
	flags.StringP("repo", "r", "", "Repository name, used for the checkout directory (required)")
	flags.String("uri", "", "Repository clone URI")
	flags.StringP("branch", "b", "", "Branch to check out")
	flags.StringP("image", "i", "", "Primary container image (required)")
	flags.String("name", "build", "Primary container name prefix")
	flags.StringArrayP("command", "c", nil, "Build command; repeat for several (required)")
	flags.StringArray("service", nil, "Service container as alias=image; repeat for several")
	flags.Int("timeout", 0, "Build timeout in seconds (default: the worker's)")
	flags.String("artifact", "", "Artifact path relative to the checkout")
	flags.Bool("skip-setup", false, "Skip cloning the repository")
	flags.Bool("wait", false, "Wait for the build result")
	flags.Duration("wait-timeout", time.Hour, "How long --wait waits for the result")

	flags.String("results", "", "Build result subscription URL, used with --wait")

	rootCmd.AddCommand(submitCmd)
}
