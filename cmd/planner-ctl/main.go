// planner-ctl is an operations CLI over the HTTP API and the module
// catalog store, following the teacher's single-binary-with-subcommands
// pattern via github.com/spf13/cobra.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yungbote/planner/internal/platform/logger"
	"github.com/yungbote/planner/internal/store"
)

var (
	postgresDSN string
	apiAddr     string
)

func main() {
	root := &cobra.Command{
		Use:   "planner-ctl",
		Short: "Operations CLI for the planner service",
	}
	root.PersistentFlags().StringVar(&postgresDSN, "dsn", os.Getenv("POSTGRES_DSN"), "Postgres DSN (defaults to POSTGRES_DSN env)")
	root.PersistentFlags().StringVar(&apiAddr, "api", envOr("PLANNER_API_ADDR", "http://localhost:8080"), "planner-server base URL")

	root.AddCommand(jobCmd(), moduleCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func openStore() (*store.Store, error) {
	log, err := logger.New("production")
	if err != nil {
		return nil, err
	}
	return store.Open(postgresDSN, log)
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Inspect and administer jobs"}

	get := &cobra.Command{
		Use:   "get <job_id>",
		Short: "Print a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpGetPrint(fmt.Sprintf("%s/v1/jobs/%s", apiAddr, args[0]))
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpGetPrint(fmt.Sprintf("%s/v1/jobs", apiAddr))
		},
	}

	create := &cobra.Command{
		Use:   "create <project_id> <requirements>",
		Short: "Create a new job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"project_id": args[0], "requirements": args[1]}
			return httpPostPrint(fmt.Sprintf("%s/v1/jobs", apiAddr), body)
		},
	}

	approve := &cobra.Command{
		Use:   "approve <job_id>",
		Short: "Approve the pending PRD and enter plan_generation/feature_tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpPostPrint(fmt.Sprintf("%s/v1/jobs/%s/approve", apiAddr, args[0]), map[string]any{})
		},
	}

	restart := &cobra.Command{
		Use:   "restart <job_id>",
		Short: "Restart a failed job from prd_generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return httpPostPrint(fmt.Sprintf("%s/v1/jobs/%s/restart", apiAddr, args[0]), map[string]any{})
		},
	}

	cmd.AddCommand(get, list, create, approve, restart)
	return cmd
}

func moduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "module", Short: "Administer the module catalog"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			mods, err := st.ListModules(context.Background())
			if err != nil {
				return err
			}
			return printJSON(mods)
		},
	}

	upsert := &cobra.Command{
		Use:   "upsert <module_id> <version> <capability1,capability2,...>",
		Short: "Create or update a catalog module",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			caps := strings.Split(args[2], ",")
			mod, err := st.UpsertModule(context.Background(), args[0], args[1], caps)
			if err != nil {
				return err
			}
			return printJSON(mod)
		},
	}

	find := &cobra.Command{
		Use:   "find <capability1,capability2,...>",
		Short: "Find modules whose capability set is a superset of the given capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			required := strings.Split(args[0], ",")
			mods, err := st.FindCompatible(context.Background(), required)
			if err != nil {
				return err
			}
			return printJSON(mods)
		},
	}

	cmd.AddCommand(list, upsert, find)
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
