package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/inboxpilot/internal/config"
	"github.com/kalambet/inboxpilot/internal/ingest"
	"github.com/kalambet/inboxpilot/internal/storage"
)

// Commands in this file work on local storage directly and need no server.

// --- user ---

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage agents",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		role, _ := cmd.Flags().GetString("role")

		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		u, err := a.store.CreateUser(cmd.Context(), args[0], name, role)
		if err != nil {
			return err
		}
		printSuccess("Created agent %d <%s>", u.ID, u.Email)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		users, err := a.store.ListUsers(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Fprintln(stdout, "No agents. Add one with 'inboxpilot user add <email>'.")
			return nil
		}
		tw := newTable()
		fmt.Fprintln(tw, "ID\tEMAIL\tNAME\tROLE")
		for _, u := range users {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, u.Role)
		}
		return tw.Flush()
	},
}

func init() {
	userAddCmd.Flags().String("name", "", "display name")
	userAddCmd.Flags().String("role", "agent", "role")
	userCmd.AddCommand(userAddCmd, userListCmd)
}

// --- pipelines ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Load the email dataset into contacts, threads, messages and the vector index",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		if path, _ := cmd.Flags().GetString("dataset"); path != "" {
			a.cfg.Dataset.Path = path
		}
		agent, err := a.agent(cmd)
		if err != nil {
			return err
		}

		records, err := ingest.LoadDataset(a.cfg.Dataset.Path)
		if err != nil {
			return err
		}
		printStep("Ingesting %d records from %s for %s", len(records), a.cfg.Dataset.Path, agent.Email)
		rep, err := a.ingestPipeline().Run(cmd.Context(), agent.ID, records)
		if err != nil {
			return err
		}
		printIngestReport(rep)
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify the agent's contacts into pipeline stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		agent, err := a.agent(cmd)
		if err != nil {
			return err
		}

		printStep("Classifying contacts for %s", agent.Email)
		rep, err := a.classifyPipeline().Run(cmd.Context(), agent.ID)
		if err != nil {
			return err
		}
		printSuccess("Classified %d of %d contacts in %d batches (%d failed, %d defaulted to NEW_LEAD)",
			rep.Updated, rep.Contacts, rep.Batches, rep.FailedBatches, rep.Defaulted)
		return nil
	},
}

var tasksInferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Infer follow-up tasks for each of the agent's contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		agent, err := a.agent(cmd)
		if err != nil {
			return err
		}

		printStep("Inferring tasks for %s", agent.Email)
		rep, err := a.tasksPipeline().Run(cmd.Context(), agent.ID)
		if err != nil {
			return err
		}
		printSuccess("Wrote %d tasks for %d contacts (%d contacts failed, %d items rejected)",
			rep.TasksWritten, rep.Contacts, rep.Failed, rep.Rejected)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run ingest, classify and task inference in order",
	Long: `Run ingest, classify and task inference in order.

With --queue the sync is handed to the running server's worker instead of
running in this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if queue, _ := cmd.Flags().GetBool("queue"); queue {
			return queueSync(cmd)
		}

		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		agent, err := a.agent(cmd)
		if err != nil {
			return err
		}

		printStep("Syncing %s", agent.Email)
		rep, err := a.syncer().Sync(cmd.Context(), agent.ID)
		if err != nil {
			return err
		}
		printIngestReport(rep.Ingest)
		printSuccess("Classified %d contacts", rep.Classify.Updated)
		printSuccess("Wrote %d tasks", rep.Tasks.TasksWritten)
		return nil
	},
}

func queueSync(cmd *cobra.Command) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	path, err := client.agentPath(agentFlag(cmd), "/sync")
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), path, nil)
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result["status"] == "already_queued" {
		printWarning("A sync is already queued or running")
		return nil
	}
	printSuccess("Queued sync job %s", result["job_id"])
	return nil
}

func printIngestReport(rep ingest.Report) {
	printSuccess("Ingested %d new messages (%d duplicates, %d filtered, %d skipped)",
		rep.Ingested, rep.Duplicates, rep.Filtered, rep.Skipped)
	if rep.IndexFailures > 0 {
		printWarning("%d messages could not be indexed; they will be retried on the next ingest", rep.IndexFailures)
	}
}

func init() {
	ingestCmd.Flags().String("dataset", "", "dataset path (defaults to dataset.path)")
	syncCmd.Flags().Bool("queue", false, "queue the sync on the running server")
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all contacts, emails, tasks, embeddings and memory; agents are kept",
	RunE: func(cmd *cobra.Command, args []string) error {
		if confirm, _ := cmd.Flags().GetBool("confirm"); !confirm {
			return fmt.Errorf("reset deletes all domain data; pass --confirm to proceed")
		}

		var report storage.ResetReport
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if serverRunning(cfg.Server.Port) {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/admin/reset", nil)
			if err != nil {
				return err
			}
			var result struct {
				Deleted storage.ResetReport `json:"deleted"`
			}
			if err := decodeJSON(resp, &result); err != nil {
				return err
			}
			report = result.Deleted
		} else {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			if report, err = a.store.Reset(cmd.Context()); err != nil {
				return err
			}
		}

		tables := make([]string, 0, len(report))
		for t := range report {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		for _, t := range tables {
			printStatus(t, "%d deleted", report[t])
		}
		printSuccess("Reset complete")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm deletion")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all non-secret config keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		tw := newTable()
		fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE\tENV")
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", k.Key, k.Value, k.Source, k.EnvVar)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "\nConfig file: %s\n", config.FilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a config key to the config file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a key from the config file, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
