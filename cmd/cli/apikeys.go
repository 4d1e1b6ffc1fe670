// This file implements admin key commands. Admin keys are not stored in the
// database: operators put the bcrypt hash into api.admin_key_hashes.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/auth"
)

var (
	// Admin key command flags
	apiKeyName   string
	apiKeyOutput string
)

// apiKeysCmd represents the admin-key command group
var apiKeysCmd = &cobra.Command{
	Use:     "admin-key",
	Aliases: []string{"apikeys", "apikey"},
	Short:   "Manage admin API keys",
	Long: `Manage the keys that authenticate operators on /api/v1/admin routes.

A generated key is shown once. Put its hash into api.admin_key_hashes (or the
SCANGATE_API_ADMIN_KEY_HASHES environment variable) and restart the server.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// apiKeysGenerateCmd mints a new key
var apiKeysGenerateCmd = &cobra.Command{
	Use:     "generate",
	Aliases: []string{"create", "new"},
	Short:   "Generate a new admin key",
	Example: `  scangate admin-key generate --name "on-call"
  scangate admin-key generate --name ci --output json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := auth.GenerateAPIKey(apiKeyName)
		if err != nil {
			return err
		}
		return printGeneratedKey(cmd.OutOrStdout(), key, apiKeyOutput)
	},
}

// apiKeysVerifyCmd checks a key against the configured hashes
var apiKeysVerifyCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "Check a key against the configured hashes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys := auth.NewAdminKeys(cfg.API.AdminKeyHashes)
		if !keys.Enabled() {
			return fmt.Errorf("no admin key hashes are configured")
		}
		if !keys.Check(args[0]) {
			return fmt.Errorf("key %s does not match any configured hash", auth.CreateDisplayPrefix(args[0]))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Key %s is valid\n", auth.CreateDisplayPrefix(args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysGenerateCmd, apiKeysVerifyCmd)

	apiKeysGenerateCmd.Flags().StringVarP(&apiKeyName, "name", "n", "", "label for the key")
	apiKeysGenerateCmd.Flags().StringVarP(&apiKeyOutput, "output", "o", "text", "output format (text, json)")
	_ = apiKeysGenerateCmd.MarkFlagRequired("name")
}

func printGeneratedKey(w io.Writer, key *auth.GeneratedAPIKey, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(key)
	case "text", "":
		fmt.Fprintf(w, "Name:  %s\n", key.Name)
		fmt.Fprintf(w, "Key:   %s\n", key.Key)
		fmt.Fprintf(w, "Hash:  %s\n\n", key.Hash)
		fmt.Fprintln(w, "The key is shown only once. Add the hash to api.admin_key_hashes.")
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
