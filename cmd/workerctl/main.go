// ABOUTME: Operator CLI for inspecting and force-managing worker Deployments and queues.
// ABOUTME: Talks directly to the cluster API and the shared SQLite store, bypassing the orchestrator.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-gateway/internal/clusterapi"
	"github.com/2389/coven-gateway/internal/config"
	"github.com/2389/coven-gateway/internal/queue"
	"github.com/2389/coven-gateway/internal/store"
)

const banner = `
                      _             _   _
 __      _____  _ __| | _____ _ __ ___| |_| |
 \ \ /\ / / _ \| '__| |/ / _ \ '__/ __| __| |
  \ V  V / (_) | |  |   <  __/ | | (__| |_| |
   \_/\_/ \___/|_|  |_|\_\___|_|  \___|\__|_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "deployments", "ps":
		err = cmdDeployments(ctx, cfg)
	case "queue":
		err = cmdQueue(ctx, cfg, args)
	case "scale":
		err = cmdScale(ctx, cfg, args)
	case "delete":
		err = cmdDelete(ctx, cfg, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if envPath := os.Getenv("WORKERCTL_CONFIG"); envPath != "" {
		return envPath
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "orchestrator.yaml")
}

func printUsage() {
	color.New(color.FgCyan).Print(banner)
	fmt.Println("Usage: workerctl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  deployments           list worker Deployments and their replica state")
	fmt.Println("  queue <name>          show a queue's size breakdown")
	fmt.Println("  scale <name> <n>      force a Deployment to n replicas")
	fmt.Println("  delete <name>         force-delete a Deployment")
}

func cmdDeployments(ctx context.Context, cfg *config.Config) error {
	cluster, err := clusterapi.NewClient(cfg.Cluster.Namespace, cfg.Cluster.WorkerImage)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}

	deployments, err := cluster.ListBySessionLabel(ctx)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tSESSION\tREADY\tREPLICAS\tAGE")
	fmt.Fprintln(w, "  ----\t-------\t-----\t--------\t---")
	for _, d := range deployments {
		age := time.Since(d.CreatedAt).Round(time.Second)
		ready := fmt.Sprintf("%d/%d", d.ReadyReplicas, d.Replicas)
		if d.ReadyReplicas < d.Replicas {
			ready = color.YellowString(ready)
		} else {
			ready = color.GreenString(ready)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%s\n", d.Name, d.SessionKey, ready, d.Replicas, age)
	}
	return w.Flush()
}

func cmdQueue(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: workerctl queue <name>")
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	q := queue.New(st.DB())
	sizes, err := q.GetQueueSize(ctx, args[0])
	if err != nil {
		return fmt.Errorf("reading queue size: %w", err)
	}

	fmt.Printf("queue %s\n", args[0])
	fmt.Printf("  waiting:   %d\n", sizes.Waiting)
	fmt.Printf("  active:    %d\n", sizes.Active)
	fmt.Printf("  completed: %d\n", sizes.Completed)
	fmt.Printf("  failed:    %s\n", color.RedString("%d", sizes.Failed))
	return nil
}

func cmdScale(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: workerctl scale <name> <replicas>")
	}
	var replicas int32
	if _, err := fmt.Sscanf(args[1], "%d", &replicas); err != nil {
		return fmt.Errorf("invalid replica count %q: %w", args[1], err)
	}

	cluster, err := clusterapi.NewClient(cfg.Cluster.Namespace, cfg.Cluster.WorkerImage)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}
	if err := cluster.Scale(ctx, args[0], replicas); err != nil {
		return fmt.Errorf("scaling %s: %w", args[0], err)
	}
	color.Green("scaled %s to %d replicas\n", args[0], replicas)
	return nil
}

func cmdDelete(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: workerctl delete <name>")
	}
	cluster, err := clusterapi.NewClient(cfg.Cluster.Namespace, cfg.Cluster.WorkerImage)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}
	if err := cluster.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("deleting %s: %w", args[0], err)
	}
	color.Green("deleted %s\n", args[0])
	return nil
}
