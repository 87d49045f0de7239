package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/microclaw/microclaw/internal/bootstrap"
	"github.com/microclaw/microclaw/internal/config"
	"github.com/microclaw/microclaw/internal/router"
	"github.com/microclaw/microclaw/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage registered conversations",
	}
	cmd.AddCommand(groupsListCmd())
	cmd.AddCommand(groupsRegisterCmd())
	return cmd
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			groups, err := st.AllRegisteredGroups()
			if err != nil {
				return err
			}
			if len(groups) == 0 {
				fmt.Println("no groups registered")
				return nil
			}
			for jid, g := range groups {
				trigger := g.Trigger
				if trigger == "" {
					trigger = "(assistant name)"
				}
				fmt.Printf("%s\n  name: %s\n  folder: %s\n  trigger: %s (required: %v)\n",
					jid, g.Name, g.Folder, trigger, g.RequiresTrigger)
			}
			return nil
		},
	}
}

func groupsRegisterCmd() *cobra.Command {
	var (
		name            string
		folder          string
		trigger         string
		requiresTrigger bool
	)
	cmd := &cobra.Command{
		Use:   "register <jid>",
		Short: "Register a conversation for the assistant to act on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid := args[0]
			if err := router.ValidateGroupFolder(folder); err != nil {
				return err
			}

			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			group := store.RegisteredGroup{
				Name:            name,
				Folder:          folder,
				Trigger:         trigger,
				RequiresTrigger: requiresTrigger,
				AddedAt:         time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := st.SetRegisteredGroup(jid, group); err != nil {
				return err
			}
			if err := bootstrap.EnsureGroupWorkspace(filepath.Join(cfg.GroupsDir(), folder)); err != nil {
				return fmt.Errorf("create group folder: %w", err)
			}

			fmt.Printf("registered %s -> %s\n", jid, folder)
			fmt.Println("restart the gateway (or wait for its next start) to pick up the new group")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&folder, "folder", "", "workspace folder name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger token (default: assistant name)")
	cmd.Flags().BoolVar(&requiresTrigger, "requires-trigger", true, "require the trigger token")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("folder")
	return cmd
}
