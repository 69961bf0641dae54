package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bgdnvk/stormcloud/internal/auth"
	"github.com/spf13/cobra"
)

var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Enable the required APIs and grant the Cloud Build roles",
	Long: `Enable the APIs a deployment needs and bind the deployer roles to the
project's Cloud Build service account. Keys that are already in place are
reported as granted again.

Examples:
  stormcloud grant --project my-project
  stormcloud grant --project my-project --key run.googleapis.com --key iam
  stormcloud grant --project demo --demo`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return errors.New("--project is required")
		}
		keys, _ := cmd.Flags().GetStringSlice("key")

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
			body := map[string]any{"projectId": project, "permissions": keys}
			return followRemote(ctx, client, "/api/google/permissions", body, r, log)
		}

		rt, err := newRuntime(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.Background())

		as, _ := cmd.Flags().GetString("as")
		sess, err := rt.orch.GrantPermissions(auth.WithPrincipal(ctx, principal(cfg, as)), project, keys)
		if err != nil {
			return err
		}
		return followLocal(ctx, rt.orch, sess, r)
	},
}

func init() {
	f := grantCmd.Flags()
	f.String("project", "", "Google Cloud project id")
	f.StringSlice("key", nil, "API or \"iam\" to grant (default: permissions.apis plus iam)")
	f.String("server", "http://localhost:8080", "stormcloud server URL")
	f.String("audience", "", "IAP OAuth client id to mint an ID token for")
	f.Bool("local", false, "run in this process")
	f.Bool("demo", false, "run against in-memory collaborators (implies --local)")
	f.String("as", "", "user to act as with --local")
}
