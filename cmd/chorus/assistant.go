package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/voxpool/chorus/internal/config"
	"github.com/voxpool/chorus/internal/db"
	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/platform/discord"
	"golang.org/x/term"
	"gorm.io/gorm"
)

func newAssistantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistant",
		Short: "Assistant pool management commands",
	}

	cmd.AddCommand(newAssistantListCmd())
	cmd.AddCommand(newAssistantAddCmd())
	cmd.AddCommand(newAssistantRemoveCmd())
	return cmd
}

func newAssistantListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pooled assistant accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
			}
			return runAssistantList(cmd, gormDB)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chorus.yaml", "path to Chorus config file")
	return cmd
}

func runAssistantList(cmd *cobra.Command, gormDB *gorm.DB) error {
	out := cmd.OutOrStdout()

	var assistants []models.Assistant
	if err := gormDB.Order("created_at").Find(&assistants).Error; err != nil {
		return fmt.Errorf("list assistants: %w", err)
	}
	if len(assistants) == 0 {
		fmt.Fprintln(out, "No assistants in the pool.")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-20s %-24s %s\n", "ID", "NAME", "HEALTH", "ACTIVE")
	for _, a := range assistants {
		fmt.Fprintf(out, "%-20s %-20s %-24s %v\n", a.ID, a.DisplayName, a.Health, a.IsActive)
	}
	return nil
}

func newAssistantAddCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an assistant account by token",
		Long: `Prompts for the account token, verifies it against the platform, and
stores the account in the pool. The token is read without echo and is
never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
			}
			return runAssistantAdd(cmd, gormDB, readToken)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chorus.yaml", "path to Chorus config file")
	return cmd
}

// readToken prompts on the terminal with echo disabled, falling back to a
// plain line read when stdin is not a terminal.
func readToken(cmd *cobra.Command) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprint(out, "Account token: ")

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return "", fmt.Errorf("read token: %w", scanner.Err())
	}
	return strings.TrimSpace(scanner.Text()), nil
}

func runAssistantAdd(cmd *cobra.Command, gormDB *gorm.DB, readToken func(*cobra.Command) (string, error)) error {
	out := cmd.OutOrStdout()

	token, err := readToken(cmd)
	if err != nil {
		return err
	}
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := discord.NewConnector().Connect(ctx, token)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	defer client.Disconnect()

	me, err := client.Identify(ctx)
	if err != nil {
		return fmt.Errorf("identify account: %w", err)
	}

	a := models.Assistant{
		ID:           me.ID,
		SessionBlob:  token,
		DisplayName:  me.DisplayName,
		Username:     me.Username,
		IsActive:     true,
		Health:       models.HealthAuthorised,
		LastHealthOK: time.Now(),
	}
	if err := gormDB.Save(&a).Error; err != nil {
		return fmt.Errorf("save assistant: %w", err)
	}

	fmt.Fprintf(out, "Assistant %s (%s) added to the pool.\n", me.DisplayName, me.ID)
	fmt.Fprintln(out, "Restart serve (or wait for the next sweep) to bring it online.")
	return nil
}

func newAssistantRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Deactivate an assistant account",
		Long:  "Marks the assistant inactive. Its stored session is kept so the account can be re-added without logging in again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Database.Database, err)
			}
			return runAssistantRemove(cmd, gormDB, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chorus.yaml", "path to Chorus config file")
	return cmd
}

func runAssistantRemove(cmd *cobra.Command, gormDB *gorm.DB, id string) error {
	out := cmd.OutOrStdout()

	res := gormDB.Model(&models.Assistant{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_active": false,
		"health":    models.HealthDeactivated,
	})
	if res.Error != nil {
		return fmt.Errorf("deactivate assistant %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("assistant %s not found", id)
	}

	fmt.Fprintf(out, "Assistant %s deactivated.\n", id)
	return nil
}
