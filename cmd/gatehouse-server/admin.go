// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gatehousehq/gatehouse/internal/server/auth"
	"github.com/gatehousehq/gatehouse/internal/server/config"
	"github.com/gatehousehq/gatehouse/internal/server/store"
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "gatehouse-server",
	Short: "Gatehouse server - workspace provisioning control plane",
	Long: `The Gatehouse server provisions isolated tenant workspaces, issues
one-time connection codes, and keeps a full audit trail per workspace.`,
}

// adminCmd is the parent command for admin operations
var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Admin operations",
	Long:  `Administrative commands for managing accounts, API keys, and workspaces.`,
}

// createAccountCmd creates a new platform account
var createAccountCmd = &cobra.Command{
	Use:   "create-account",
	Short: "Create a new account",
	Long:  `Creates a new platform account that can own workspaces.`,
	RunE:  runCreateAccount,
}

// createKeyCmd creates a new API key
var createKeyCmd = &cobra.Command{
	Use:   "create-key",
	Short: "Create a new API key",
	Long:  `Creates a new API key for an account. The key will be displayed once and cannot be retrieved later.`,
	RunE:  runCreateKey,
}

// checkKeyCmd verifies an API key against the database
var checkKeyCmd = &cobra.Command{
	Use:   "check-key",
	Short: "Verify an API key",
	Long:  `Prompts for an API key (input is hidden) and verifies it against the stored hash.`,
	RunE:  runCheckKey,
}

// workspacesCmd is the parent command for workspace management
var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "Workspace management",
	Long:  `Commands for inspecting provisioned workspaces.`,
}

// workspacesListCmd lists all workspaces
var workspacesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all workspaces",
	Long:  `Displays a table of all workspaces with their status and endpoints.`,
	RunE:  runWorkspacesList,
}

// Flags for create-account command
var (
	createAccountName string
	createAccountMail string
	createAccountMax  int
)

// Flags for create-key command
var (
	createKeyAccount string
	createKeyName    string
	createKeyScope   string
)

func init() {
	rootCmd.AddCommand(adminCmd)

	createAccountCmd.Flags().StringVar(&createAccountName, "name", "", "Account name (required)")
	createAccountCmd.Flags().StringVar(&createAccountMail, "email", "", "Account email (required)")
	createAccountCmd.Flags().IntVar(&createAccountMax, "max-workspaces", 3, "Workspace allowance")
	createAccountCmd.MarkFlagRequired("name")
	createAccountCmd.MarkFlagRequired("email")
	adminCmd.AddCommand(createAccountCmd)

	createKeyCmd.Flags().StringVar(&createKeyAccount, "account", "", "Account ID (required)")
	createKeyCmd.Flags().StringVar(&createKeyName, "name", "", "Key name/description (required)")
	createKeyCmd.Flags().StringVar(&createKeyScope, "scope", "write", "Key scope: read, write, or admin")
	createKeyCmd.MarkFlagRequired("account")
	createKeyCmd.MarkFlagRequired("name")
	adminCmd.AddCommand(createKeyCmd)

	adminCmd.AddCommand(checkKeyCmd)

	rootCmd.AddCommand(workspacesCmd)
	workspacesCmd.AddCommand(workspacesListCmd)
}

// connectAuthStore loads config and opens the auth store
func connectAuthStore() (*store.Store, *auth.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.Connect(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return st, auth.NewStore(st.Pool()), nil
}

// runCreateAccount creates a new platform account
func runCreateAccount(cmd *cobra.Command, args []string) error {
	if createAccountMax < 1 {
		return fmt.Errorf("max-workspaces must be at least 1")
	}

	ctx := context.Background()
	st, authStore, err := connectAuthStore()
	if err != nil {
		return err
	}
	defer st.Close()

	account, err := authStore.CreateAccount(ctx, createAccountName, createAccountMail, createAccountMax)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	fmt.Println("✓ Account created successfully")
	fmt.Println()
	fmt.Println("Account ID:", account.ID)
	fmt.Println("Name:", account.Name)
	fmt.Println("Email:", account.Email)
	fmt.Println("Workspace allowance:", account.MaxWorkspaces)

	return nil
}

// runCreateKey creates a new API key
func runCreateKey(cmd *cobra.Command, args []string) error {
	// Validate scope
	validScopes := map[string]bool{"read": true, "write": true, "admin": true}
	if !validScopes[createKeyScope] {
		return fmt.Errorf("invalid scope %q: must be 'read', 'write', or 'admin'", createKeyScope)
	}

	ctx := context.Background()
	st, authStore, err := connectAuthStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// The account must exist before a key is minted for it
	account, err := authStore.GetAccount(ctx, createKeyAccount)
	if err != nil {
		return fmt.Errorf("account %s not found: %w", createKeyAccount, err)
	}

	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate API key: %w", err)
	}

	record, err := authStore.CreateAPIKey(ctx, account.ID, createKeyName, createKeyScope, hash, prefix)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	fmt.Println("✓ API key created successfully")
	fmt.Println()
	fmt.Println("Key ID:", record.ID)
	fmt.Println("Account:", account.Name)
	fmt.Println("Name:", record.Name)
	fmt.Println("Scope:", record.Scope)
	fmt.Println()
	fmt.Println("API Key (save this - it won't be shown again):")
	fmt.Println(key)
	fmt.Println()
	fmt.Println("Use this key in the Authorization header:")
	fmt.Printf("Authorization: Bearer %s\n", key)

	return nil
}

// runCheckKey verifies an API key without echoing it to the terminal
func runCheckKey(cmd *cobra.Command, args []string) error {
	fmt.Print("API key: ")
	keyBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	key := string(keyBytes)

	if !auth.IsValidKeyFormat(key) {
		return fmt.Errorf("key does not match the expected format")
	}

	ctx := context.Background()
	st, authStore, err := connectAuthStore()
	if err != nil {
		return err
	}
	defer st.Close()

	record, err := authStore.GetAPIKeyByPrefix(ctx, auth.ExtractPrefix(key))
	if err != nil {
		return fmt.Errorf("no key with this prefix")
	}

	if !auth.ValidateAPIKey(key, record.KeyHash) {
		return fmt.Errorf("key does not match the stored hash")
	}

	fmt.Println("✓ Key is valid")
	fmt.Println("Key ID:", record.ID)
	fmt.Println("Account:", record.AccountID)
	fmt.Println("Scope:", record.Scope)
	if record.LastUsed != nil {
		fmt.Println("Last used:", record.LastUsed.Format("2006-01-02 15:04"))
	}

	return nil
}

// runWorkspacesList lists all workspaces
func runWorkspacesList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Connect(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer st.Close()

	workspaces, err := st.ListAllWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workspaces: %w", err)
	}

	if len(workspaces) == 0 {
		fmt.Println("No workspaces.")
		return nil
	}

	// Create tabwriter for formatted output
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tNAME\tOWNER\tTYPE\tSTATUS\tINSTANCE URL\tTIER\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----\t----\t------\t------------\t----\t-------")

	for _, ws := range workspaces {
		instanceURL := ws.InstanceURL
		if instanceURL == "" {
			instanceURL = "-"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ws.ID,
			ws.Name,
			ws.OwnerID,
			ws.DeploymentType,
			ws.Status,
			instanceURL,
			ws.SubscriptionTier,
			ws.CreatedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()

	fmt.Printf("\nTotal: %d workspace(s)\n", len(workspaces))

	return nil
}
