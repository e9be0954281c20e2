package cmd

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/lightseekorg/smg/internal/config"
	"github.com/lightseekorg/smg/internal/gateway"
	"github.com/lightseekorg/smg/internal/worker"
)

var (
	addURL      string
	addRole     string
	addRuntime  string
	addPriority uint8
)

// workersCmd groups the admin operations spec.md §6 names over the
// registry: add_worker, remove_worker, list_workers. The core persists
// no state across restarts, so these operate on a freshly built gateway
// from the config's static worker list plus whatever this invocation adds.
var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect or modify the worker pool",
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workers known to the configured pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := buildFromConfig()
		if err != nil {
			return err
		}
		defer gw.Close()
		for _, v := range gw.Router.ListWorkers() {
			fmt.Printf("%s\t%s\trole=%s\thealthy=%t\tcircuit=%s\tactive=%d\n",
				v.ID, v.URL, v.Role, v.Healthy, v.Circuit, v.Active)
		}
		return nil
	},
}

var workersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a worker to the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := buildFromConfig()
		if err != nil {
			return err
		}
		defer gw.Close()

		spec := worker.Spec{URL: addURL, Priority: addPriority}
		switch addRole {
		case "prefill":
			spec.Role = worker.RolePrefill
		case "decode":
			spec.Role = worker.RoleDecode
		default:
			spec.Role = worker.RoleRegular
		}
		switch addRuntime {
		case "grpc":
			spec.Runtime = worker.RuntimeGRPC
		case "external":
			spec.Runtime = worker.RuntimeExternal
		default:
			spec.Runtime = worker.RuntimeHTTP
		}

		id, err := gw.Router.AddWorker(context.Background(), spec)
		if err != nil {
			return err
		}
		fmt.Printf("added %s (%s)\n", id, addURL)
		return nil
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id>",
	Short: "Remove (drain) a worker from the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := buildFromConfig()
		if err != nil {
			return err
		}
		defer gw.Close()
		if err := gw.Router.RemoveWorker(worker.ID(args[0])); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", args[0])
		return nil
	},
}

func init() {
	workersAddCmd.Flags().StringVar(&addURL, "url", "", "Worker base URL")
	workersAddCmd.Flags().StringVar(&addRole, "role", "regular", "Worker role: regular, prefill, decode")
	workersAddCmd.Flags().StringVar(&addRuntime, "runtime", "http", "Worker runtime: http, grpc, external")
	workersAddCmd.Flags().Uint8Var(&addPriority, "priority", 0, "Worker priority")
	_ = workersAddCmd.MarkFlagRequired("url")

	workersCmd.AddCommand(workersListCmd, workersAddCmd, workersRemoveCmd)
}

func buildFromConfig() (*gateway.Gateway, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return gateway.Build(cfg, prometheus.NewRegistry(), newLogger().WithField("component", "gateway"))
}
