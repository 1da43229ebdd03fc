package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"salescoachdev/corpus"
	"salescoachdev/retrieval"
)

var rootCmd = &cobra.Command{
	Use:   "salescoach",
	Short: "Sales coaching roleplay server and corpus tooling",
	Long: `salescoach runs the coaching server (HTTP API and optional Telegram bot)
and the offline corpus maintenance jobs: indexing, tagging and review.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and, when TELEGRAM_BOT_TOKEN is set, the Telegram bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var indexCmd = &cobra.Command{
	Use:   "index <documents.json>",
	Short: "Embed and store documents from a JSON file",
	Long: `Reads a JSON array of documents, or an object with a "documents" array, and
indexes every document not already in the store. Each document needs an id,
a type, a title and content.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs, err := readDocuments(args[0])
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			report := a.indexer.Index(ctx, docs)
			if report.Status == retrieval.StatusProviderUnavailable {
				return report, fmt.Errorf("embedding provider unavailable, nothing indexed")
			}
			return report, nil
		})
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag",
	Short: "Suggest techniques for unlabeled chunks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.tagger.Run(ctx)
		})
	},
}

var (
	searchLimit     int
	searchThreshold float64
	searchDocType   string
	searchTechnique string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a similarity search against the corpus",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.search.Search(ctx, query, retrieval.SearchOptions{
				Limit:       searchLimit,
				Threshold:   searchThreshold,
				DocType:     searchDocType,
				TechniqueID: searchTechnique,
			})
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.search.Stats(ctx)
		})
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review technique suggestions (queue, approve, reject, reset)",
}

var (
	queueTechnique string
	queueLimit     int
)

var reviewQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List chunks awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.reviewer.Queue(ctx, queueTechnique, queueLimit)
		})
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <chunk-id>",
	Short: "Accept the suggested technique of a chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.reviewer.Approve(ctx, args[0])
		})
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <chunk-id> [technique-id]",
	Short: "Reject a suggestion, optionally labeling the chunk with the right technique",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		correction := ""
		if len(args) == 2 {
			correction = args[1]
		}
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			return a.reviewer.Reject(ctx, args[0], correction)
		})
	},
}

var reviewBulkCmd = &cobra.Command{
	Use:   "approve-technique <technique-id>",
	Short: "Approve every pending suggestion for one technique",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			n, err := a.reviewer.BulkApproveByTechnique(ctx, args[0])
			return map[string]int{"approved": n}, err
		})
	},
}

var reviewResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear every unreviewed suggestion so tagging can run again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, a *app) (any, error) {
			n, err := a.reviewer.Reset(ctx)
			return map[string]int{"reset": n}, err
		})
	},
}

var resetTagsCmd = &cobra.Command{
	Use:   "reset-tags",
	Short: "Same as review reset",
	RunE:  reviewResetCmd.RunE,
}

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 0, "maximum number of results (0 = RETRIEVAL_LIMIT)")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum similarity (0 = RETRIEVAL_THRESHOLD)")
	searchCmd.Flags().StringVar(&searchDocType, "doc-type", "", "only documents of this type")
	searchCmd.Flags().StringVar(&searchTechnique, "technique", "", "only documents for this technique")

	reviewQueueCmd.Flags().StringVar(&queueTechnique, "technique", "", "only suggestions for this technique")
	reviewQueueCmd.Flags().IntVar(&queueLimit, "limit", 50, "maximum number of chunks")

	reviewCmd.AddCommand(reviewQueueCmd, reviewApproveCmd, reviewRejectCmd, reviewBulkCmd, reviewResetCmd)
	rootCmd.AddCommand(serveCmd, indexCmd, tagCmd, searchCmd, statsCmd, reviewCmd, resetTagsCmd)
}

// withStore sets the app up, runs fn against the document store and prints its result as JSON.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.requireStore(); err != nil {
		return err
	}

	out, runErr := fn(ctx, a)
	if out != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return runErr
}

// readDocuments accepts either a bare array or {"documents": [...]}.
func readDocuments(path string) ([]corpus.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var docs []corpus.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("parse documents: %w", err)
		}
		return docs, nil
	}
	var wrapped struct {
		Documents []corpus.Document `json:"documents"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse documents: %w", err)
	}
	return wrapped.Documents, nil
}
