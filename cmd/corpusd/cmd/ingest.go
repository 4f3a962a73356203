package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ingestFlags are shared by the ingest subcommands.
type ingestFlags struct {
	project      string
	dataset      string
	forceReindex bool
}

func (f *ingestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.project, "project", "p", "", "Project to ingest into (required)")
	cmd.Flags().StringVarP(&f.dataset, "dataset", "d", "", "Dataset name (derived from the source when empty)")
	cmd.Flags().BoolVar(&f.forceReindex, "force", false, "Re-embed documents even when content is unchanged")
	_ = cmd.MarkFlagRequired("project")
}

// enqueueReply is the server's 202 response to an ingestion request.
type enqueueReply struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Dataset   string `json:"dataset"`
	Coalesced bool   `json:"coalesced"`
}

func printEnqueue(cmd *cobra.Command, reply enqueueReply) {
	out := cmd.OutOrStdout()
	if reply.Coalesced {
		fmt.Fprintf(out, "job %s already running for dataset %s\n", reply.JobID, reply.Dataset)
		return
	}
	fmt.Fprintf(out, "job %s queued (dataset %s)\n", reply.JobID, reply.Dataset)
}

// newIngestCmd creates the ingest command group.
func newIngestCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Submit ingestion jobs to a running server",
	}
	cmd.AddCommand(newIngestGitHubCmd(flags))
	cmd.AddCommand(newIngestWebCmd(flags))
	cmd.AddCommand(newIngestCrawlCmd(flags))
	return cmd
}

func newIngestGitHubCmd(flags *rootFlags) *cobra.Command {
	var f ingestFlags
	var branch string
	var include, exclude []string

	cmd := &cobra.Command{
		Use:   "github <repo-url>",
		Short: "Clone and index a GitHub repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"repo_url": args[0],
			}
			if branch != "" {
				body["branch"] = branch
			}
			if f.dataset != "" {
				body["dataset"] = f.dataset
			}
			if len(include) > 0 {
				body["include_patterns"] = include
			}
			if len(exclude) > 0 {
				body["exclude_patterns"] = exclude
			}
			if f.forceReindex {
				body["force_reindex"] = true
			}

			var reply enqueueReply
			client := newAPIClient(flags.serverAddr)
			if err := client.post(cmd.Context(), "/projects/"+f.project+"/ingest/github", body, &reply); err != nil {
				return err
			}
			printEnqueue(cmd, reply)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Branch to clone (repository default when empty)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "Glob patterns to include")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Glob patterns to exclude")
	return cmd
}

func newIngestWebCmd(flags *rootFlags) *cobra.Command {
	var f ingestFlags

	cmd := &cobra.Command{
		Use:   "web <url> [url...]",
		Short: "Fetch and index one or more web pages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"urls": args}
			if f.dataset != "" {
				body["dataset"] = f.dataset
			}
			if f.forceReindex {
				body["force_reindex"] = true
			}

			var reply enqueueReply
			client := newAPIClient(flags.serverAddr)
			if err := client.post(cmd.Context(), "/projects/"+f.project+"/ingest/web", body, &reply); err != nil {
				return err
			}
			printEnqueue(cmd, reply)
			return nil
		},
	}

	f.register(cmd)
	return cmd
}

func newIngestCrawlCmd(flags *rootFlags) *cobra.Command {
	var f ingestFlags
	var maxPages, maxDepth int

	cmd := &cobra.Command{
		Use:   "crawl <root-url>",
		Short: "Crawl a documentation site and index its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"root_url": args[0]}
			if f.dataset != "" {
				body["dataset"] = f.dataset
			}
			if maxPages > 0 {
				body["max_pages"] = maxPages
			}
			if maxDepth > 0 {
				body["max_depth"] = maxDepth
			}
			if f.forceReindex {
				body["force_reindex"] = true
			}

			var reply enqueueReply
			client := newAPIClient(flags.serverAddr)
			if err := client.post(cmd.Context(), "/projects/"+f.project+"/ingest/crawl", body, &reply); err != nil {
				return err
			}
			printEnqueue(cmd, reply)
			return nil
		},
	}

	f.register(cmd)
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Page budget for the crawl (server default when 0)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Link depth from the root (server default when 0)")
	return cmd
}
