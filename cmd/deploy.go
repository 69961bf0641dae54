package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/bgdnvk/stormcloud/internal/deploy"
	"github.com/bgdnvk/stormcloud/internal/orchestrator"
	"github.com/bgdnvk/stormcloud/internal/stream"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var errSessionFailed = errors.New("session did not succeed")

var deployCmd = &cobra.Command{
	Use:   "deploy [repo-url]",
	Short: "Deploy a GitHub repo to Cloud Run",
	Long: `Submit a deployment and follow its progress.

By default the request is sent to a running server. With --local the
deployment runs in this process using the local credentials.

Examples:
  stormcloud deploy https://github.com/user/repo --project my-project
  stormcloud deploy https://github.com/user/repo --project my-project --autonomous
  stormcloud deploy https://github.com/user/repo --project my-project --strategy dockerfile --dockerfile Dockerfile
  stormcloud deploy --file request.json --server https://stormcloud.example.com --audience $IAP_CLIENT_ID
  stormcloud deploy https://github.com/user/repo --project demo --local --demo`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		req, err := requestFromFlags(cmd.Flags(), args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		r := newRenderer(cmd.OutOrStdout())

		local, _ := cmd.Flags().GetBool("local")
		if demoMode, _ := cmd.Flags().GetBool("demo"); demoMode {
			cfg.Demo, local = true, true
		}
		if !local {
			serverURL, _ := cmd.Flags().GetString("server")
			audience, _ := cmd.Flags().GetString("audience")
			client, err := newAPIClient(ctx, serverURL, audience)
			if err != nil {
				return err
			}
			return followRemote(ctx, client, "/api/google/deploy", req, r, log)
		}

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		as, _ := cmd.Flags().GetString("as")
		pctx := auth.WithPrincipal(ctx, principal(cfg, as))
		sess, err := rt.orch.StartDeployment(pctx, req)
		if err != nil {
			return err
		}
		return followLocal(ctx, rt.orch, sess, r)
	},
}

func init() {
	deployFlags(deployCmd.Flags())
}

func deployFlags(f *pflag.FlagSet) {
	f.String("server", "http://localhost:8080", "stormcloud server URL")
	f.String("audience", "", "IAP OAuth client id to mint an ID token for")
	f.Bool("local", false, "run the deployment in this process")
	f.Bool("demo", false, "run against in-memory collaborators (implies --local)")
	f.String("as", "", "user to act as with --local")
	f.StringP("file", "f", "", "read the deployment request from a JSON file")

	f.String("project", "", "Google Cloud project id")
	f.String("branch", "", "branch to deploy (default: the repository's default branch)")
	f.String("service", "", "Cloud Run service name (default: derived from the repo)")
	f.String("existing-service", "", "redeploy this existing service")
	f.String("region", "us-central1", "Cloud Run region")
	f.String("strategy", string(deploy.StrategyBuildpacks), "build strategy: buildpacks or dockerfile")
	f.String("dockerfile", "", "Dockerfile path, required with --strategy dockerfile")
	f.StringArrayP("env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	f.Int("min-instances", 0, "minimum instances")
	f.Int("max-instances", 0, "maximum instances (0 leaves it unset)")
	f.Bool("ci", false, "create a build trigger for pushes to the branch")
	f.Bool("autonomous", false, "analyze failures and apply suggested fixes before retrying")
	f.Int("max-attempts", 0, "fix attempts in autonomous mode (default from autofix.max_attempts)")
}

// requestFromFlags builds the deployment request from a JSON file or from
// the command line. Validation is left to the orchestrator.
func requestFromFlags(f *pflag.FlagSet, args []string) (*deploy.Request, error) {
	if path, _ := f.GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var req deploy.Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &req, nil
	}
	if len(args) == 0 {
		return nil, errors.New("a repository URL or --file is required")
	}

	req := &deploy.Request{
		SourceRef:      deploy.SourceRef{RepoURL: args[0]},
		DeploymentType: deploy.DeploymentNew,
	}
	req.Project, _ = f.GetString("project")
	req.Branch, _ = f.GetString("branch")
	req.ServiceName, _ = f.GetString("service")
	req.ExistingService, _ = f.GetString("existing-service")
	req.Region, _ = f.GetString("region")
	strategy, _ := f.GetString("strategy")
	req.BuildStrategy = deploy.BuildStrategy(strategy)
	req.DockerfilePath, _ = f.GetString("dockerfile")
	req.MinInstances, _ = f.GetInt("min-instances")
	req.MaxInstances, _ = f.GetInt("max-instances")
	req.EnableCI, _ = f.GetBool("ci")
	req.IsAutonomousMode, _ = f.GetBool("autonomous")
	req.MaxRetries, _ = f.GetInt("max-attempts")
	if req.ExistingService != "" {
		req.DeploymentType = deploy.DeploymentExisting
	}

	env, _ := f.GetStringArray("env")
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		req.EnvironmentVariables = append(req.EnvironmentVariables, deploy.EnvVar{Key: key, Value: value})
	}
	return req, nil
}

// followRemote starts a session on the server and renders its stream. An
// interrupt cancels the session on the server before returning.
func followRemote(ctx context.Context, client *apiClient, path string, body any, r *renderer, log logrus.FieldLogger) error {
	resp, id, err := client.stream(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	log.WithField("session", id).Debug("following session")

	events := stream.NewReader(resp.Body, log)
	for {
		e, err := events.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && id != "" {
				if cerr := client.cancel(context.WithoutCancel(ctx), id); cerr != nil {
					log.WithError(cerr).Warn("cancelling session")
				}
				r.summary("cancelled", 0)
				return ctx.Err()
			}
			return fmt.Errorf("reading progress: %w", err)
		}
		r.event(e)
	}

	if !r.succeeded() {
		r.summary("failed", 0)
		return errSessionFailed
	}
	r.summary("succeeded", 0)
	return nil
}

// followLocal renders an in-process session. An interrupt cancels the
// session and keeps rendering until it has wound down.
func followLocal(ctx context.Context, orch *orchestrator.Orchestrator, sess *orchestrator.Session, r *renderer) error {
	if err := sess.Events.Claim(); err != nil {
		return err
	}
	readCtx := ctx
	for {
		e, err := sess.Events.Next(readCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if readCtx != ctx {
				return err
			}
			orch.Cancel(sess.ID)
			readCtx = context.WithoutCancel(ctx)
			continue
		}
		r.event(e)
	}

	res := sess.Result()
	r.summary(res.Reason, res.Attempts)
	if !res.Succeeded {
		return errSessionFailed
	}
	return nil
}
