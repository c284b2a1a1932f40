package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/ppigraph/internal/config"
	"github.com/kalambet/ppigraph/internal/orchestrator"
	"github.com/kalambet/ppigraph/internal/snapshot"
	"github.com/kalambet/ppigraph/internal/storage"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <protein>",
	Short: "Query a protein, starting discovery when it is unknown",
	Long: `Query a protein through the running server.

Known proteins are answered from the interaction store. Unknown proteins
start a discovery job; use --wait to block until it finishes.

Examples:
  ppigraph query ATXN3
  ppigraph query SNCA --interactor-rounds 5 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		req := map[string]any{"protein": args[0]}
		if n, _ := f.GetInt("interactor-rounds"); n > 0 {
			req["interactor_rounds"] = n
		}
		if n, _ := f.GetInt("function-rounds"); n > 0 {
			req["function_rounds"] = n
		}
		if skip, _ := f.GetBool("skip-validation"); skip {
			req["skip_validation"] = true
		}
		wait, _ := f.GetBool("wait")
		interval, _ := f.GetDuration("poll")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.post(ctx, "/api/query", req)
		if err != nil {
			return err
		}
		var res orchestrator.QueryResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if res.Status == orchestrator.StatusComplete {
			printSuccess("%s: %d interactors (from %s)", res.Protein, res.Count, res.Source)
			return nil
		}
		printStep("%s: discovery job %s is %s", res.Protein, res.JobID, res.Status)
		if !wait {
			return nil
		}

		job, err := waitForJob(cmd, client, res.Protein, interval)
		if err != nil {
			return err
		}
		switch job.Status {
		case storage.JobComplete:
			printSuccess("%s: discovery complete (%s)", res.Protein, job.ResultRef)
			return nil
		case storage.JobCancelled:
			printWarning("%s: discovery cancelled", res.Protein)
			return nil
		default:
			return fmt.Errorf("%s: discovery failed: %s", res.Protein, job.LastError)
		}
	},
}

func waitForJob(cmd *cobra.Command, client *apiClient, protein string, interval time.Duration) (storage.Job, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return storage.Job{}, cmd.Context().Err()
		case <-ticker.C:
		}
		resp, err := client.get(cmd.Context(), proteinPath("/api/status", protein))
		if err != nil {
			return storage.Job{}, err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return storage.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
	}
}

func init() {
	queryCmd.Flags().Int("interactor-rounds", 0, "interactor discovery rounds, 3-10")
	queryCmd.Flags().Int("function-rounds", 0, "function discovery rounds, 3-10")
	queryCmd.Flags().Bool("skip-validation", false, "skip validation and fact checking")
	queryCmd.Flags().Bool("wait", false, "wait for the discovery job to finish")
	queryCmd.Flags().Duration("poll", 2*time.Second, "status poll interval with --wait")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <protein>",
	Short: "Show the latest discovery job for a protein",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), proteinPath("/api/status", args[0]))
		if err != nil {
			return err
		}
		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Protein", "%s", job.Subject)
		printStatus("Job", "%s", job.ID)
		printStatus("Status", "%s", colorize(jobColor(job.Status), string(job.Status)))
		printStatus("Created", "%s", job.CreatedAt.Format(time.RFC3339))
		if job.FinishedAt != nil {
			printStatus("Finished", "%s", job.FinishedAt.Format(time.RFC3339))
		}
		if job.ResultRef != "" {
			printStatus("Result", "%s", job.ResultRef)
		}
		if job.LastError != "" {
			printStatus("Error", "%s", job.LastError)
		}
		return nil
	},
}

func jobColor(s storage.JobStatus) string {
	switch s {
	case storage.JobComplete:
		return colorGreen
	case storage.JobFailed:
		return colorRed
	case storage.JobCancelled:
		return colorYellow
	default:
		return colorCyan
	}
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <protein>",
	Short: "Cancel the active discovery job for a protein",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), proteinPath("/api/cancel", args[0]), nil)
		if err != nil {
			return err
		}
		var res orchestrator.CancelResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.Status == orchestrator.StatusCancelling {
			printWarning("%s: job %s will stop after its current step", res.Protein, res.JobID)
			return nil
		}
		printSuccess("%s: job %s cancelled", res.Protein, res.JobID)
		return nil
	},
}

// --- results ---

var resultsCmd = &cobra.Command{
	Use:   "results <protein>",
	Short: "Show the interaction snapshot for a protein",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), proteinPath("/api/results", args[0]))
		if err != nil {
			return err
		}
		var body struct {
			Snapshot snapshot.Snapshot `json:"snapshot_json"`
			Source   string            `json:"source"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(body.Snapshot)
		}
		printSnapshot(cmd, &body.Snapshot, body.Source)
		return nil
	},
}

func printSnapshot(cmd *cobra.Command, snap *snapshot.Snapshot, source string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  (%d interactors, %d edges, from %s)\n",
		colorize(colorBold, snap.Subject), len(snap.Interactors), len(snap.Edges), source)
	for _, in := range snap.Interactors {
		line := fmt.Sprintf("  %-10s %-8s %-10s %.2f", in.Partner, in.Role, in.Arrow, in.Confidence)
		if len(in.MediatorChain) > 0 {
			line += "  via " + strings.Join(in.MediatorChain, " → ")
		}
		if len(in.MediatorOf) > 0 {
			line += "  mediates " + strings.Join(in.MediatorOf, ", ")
		}
		fmt.Fprintln(out, line)
	}
	if len(snap.Edges) > 0 {
		fmt.Fprintln(out, colorize(colorBold, "Edges"))
		for _, e := range snap.Edges {
			fmt.Fprintf(out, "  %s - %s  %s %s\n", e.Source, e.Target, e.Origin, e.Arrow)
		}
	}
	for _, w := range snap.Warnings {
		printWarning("%s", w)
	}
}

func init() {
	resultsCmd.Flags().Bool("json", false, "print the full snapshot as JSON")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <protein>",
	Short: "Check whether a protein is stored, without starting discovery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), proteinPath("/api/search", args[0]))
		if err != nil {
			return err
		}
		var res orchestrator.SearchResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if !res.Known {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is not in the store\n", res.Protein)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d stored interactions\n", res.Protein, res.Count)
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show interaction store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/stats")
		if err != nil {
			return err
		}
		var st storage.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Proteins", "%d", st.TotalProteins)
		printStatus("Interactions", "%d", st.UniqueInteractions)
		printStatus("Records", "%d", st.TotalRecords)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys := config.ShowAll(cfg)

		if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
			doc := map[string]map[string]string{}
			for _, k := range keys {
				section, name, _ := strings.Cut(k.Key, ".")
				if doc[section] == nil {
					doc[section] = map[string]string{}
				}
				doc[section][name] = k.Value
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(doc)
		}

		for _, k := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.SetKey(path, key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s in %s", key, value, path)
		return nil
	},
}

func init() {
	configShowCmd.Flags().Bool("yaml", false, "print as YAML")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
