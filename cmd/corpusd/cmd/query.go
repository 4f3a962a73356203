package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// queryReply mirrors the server's POST /query response.
type queryReply struct {
	Results []struct {
		ID          string         `json:"id"`
		Score       float64        `json:"score"`
		RerankScore float64        `json:"rerank_score"`
		Project     string         `json:"project"`
		Dataset     string         `json:"dataset"`
		Text        string         `json:"text"`
		Metadata    map[string]any `json:"metadata"`
	} `json:"results"`
	Meta map[string]any `json:"meta"`
}

// newQueryCmd creates the query command.
func newQueryCmd(flags *rootFlags) *cobra.Command {
	var project, dataset string
	var includeGlobal, jsonOutput bool
	var topK int

	cmd := &cobra.Command{
		Use:   "query <text...>",
		Short: "Run a retrieval query against a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"query": strings.Join(args, " "),
			}
			if dataset != "" {
				body["dataset"] = dataset
			}
			if includeGlobal {
				body["include_global"] = true
			}
			if topK > 0 {
				body["top_k"] = topK
			}

			var reply queryReply
			client := newAPIClient(flags.serverAddr)
			if err := client.post(cmd.Context(), "/projects/"+project+"/query", body, &reply); err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reply)
			}
			printResults(cmd, reply)
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project to query (required)")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "Dataset pattern (alias, glob or literal; all when empty)")
	cmd.Flags().BoolVar(&includeGlobal, "include-global", false, "Also search the global project's datasets")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Result count (server default when 0)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the raw JSON response")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func printResults(cmd *cobra.Command, reply queryReply) {
	out := cmd.OutOrStdout()
	if len(reply.Results) == 0 {
		fmt.Fprintln(out, "no results")
		return
	}

	for i, r := range reply.Results {
		ref, _ := r.Metadata["source_ref"].(string)
		fmt.Fprintf(out, "%d. [%.4f] %s/%s", i+1, r.Score, r.Dataset, ref)
		fmt.Fprintln(out)
		fmt.Fprintln(out, indent(snippet(r.Text, 400), "   "))
	}
}

// snippet trims text to max runes on a line boundary where possible.
func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, '\n'); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
