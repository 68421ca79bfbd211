package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/finq/internal/api"
	"github.com/kalambet/finq/internal/router"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your transactions",
	Long: `Ask a question about your transactions via a running finq server.

Examples:
  finq ask --user u_123 --account a_456 "how much did I spend on groceries in July?"
  finq ask --user u_123 --account a_456 --session morning "and in August?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		accountID, _ := cmd.Flags().GetString("account")
		sessionID, _ := cmd.Flags().GetString("session")
		topK, _ := cmd.Flags().GetInt("top-k")
		verbose, _ := cmd.Flags().GetBool("verbose")

		if userID == "" || accountID == "" {
			return fmt.Errorf("--user and --account are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
		defer cancel()

		resp, err := client.post(ctx, "/retrieve", api.RetrieveRequest{
			Query:     args[0],
			UserID:    userID,
			AccountID: accountID,
			TopK:      topK,
			SessionID: sessionID,
		})
		if err != nil {
			return err
		}

		var result router.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if verbose {
			printStatus("Mode", "%s", result.Mode)
			if result.SQLQuery != "" {
				printStatus("SQL", "%s", result.SQLQuery)
			}
			if len(result.TopKResults) > 0 {
				printStatus("Matches", "%d", len(result.TopKResults))
			}
		}
		fmt.Fprintln(os.Stdout, result.Answer)
		return nil
	},
}

func init() {
	askCmd.Flags().String("user", "", "tenant user id")
	askCmd.Flags().String("account", "", "tenant account id")
	askCmd.Flags().String("session", "", "conversation session id for follow-up questions")
	askCmd.Flags().Int("top-k", 0, "number of semantic matches to retrieve")
	askCmd.Flags().BoolP("verbose", "v", false, "show routing diagnostics")
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed all transactions that are missing embeddings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Backfilling embeddings (store: %s)", a.cfg.Store.Backend)
		count, err := a.worker.Backfill(cmd.Context())
		if err != nil {
			printError("backfill failed: %v", err)
			return err
		}
		printSuccess("Embedded %d transactions", count)
		return nil
	},
}
