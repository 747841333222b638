package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
	"github.com/nextlevelbuilder/agentmemory/internal/config"
	"github.com/nextlevelbuilder/agentmemory/internal/dbx"
	"github.com/nextlevelbuilder/agentmemory/internal/memory"
)

// memoryCmd is a scriptable operator tool for the local database,
// bypassing the MCP transport entirely — the teacher's equivalent is
// its own thin cobra subcommands that call straight into a store (see
// cmd/agent_chat.go talking directly to internal/sessions).
func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit memories in the local database",
	}
	cmd.AddCommand(memoryAddCmd())
	cmd.AddCommand(memoryGetCmd())
	cmd.AddCommand(memorySearchCmd())
	cmd.AddCommand(memoryListCmd())
	cmd.AddCommand(memoryForgetCmd())
	cmd.AddCommand(memoryVacuumCmd())
	return cmd
}

func openLocalStore() (*memory.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	db, err := dbx.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return memory.NewStore(db, nil, cfg.Embedding.DefaultModelID, cfg.WorkingMemoryTTL())
}

func printMemories(memories []*memory.Memory) {
	if len(memories) == 0 {
		fmt.Println("(no memories)")
		return
	}
	for _, m := range memories {
		tags := ""
		if len(m.Tags) > 0 {
			tags = " [" + strings.Join(m.Tags, ",") + "]"
		}
		fmt.Printf("%s  %-8s %-10s %s%s\n", m.ID, m.Type, m.Layer, m.Content, tags)
	}
}

func exitOnError(err error) {
	if err == nil {
		return
	}
	if apiErr, ok := apierr.As(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", apiErr.Code, apiErr.Message)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

func memoryAddCmd() *cobra.Command {
	var typ, layer, category, projectID, userID string
	var tags []string
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Add a memory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			scope := memory.ScopeGlobal
			if projectID != "" {
				scope = memory.ScopeProject
			}
			m, err := store.Add(context.Background(), args[0], memory.AddOptions{
				UserID:    userID,
				Scope:     scope,
				ProjectID: projectID,
				Type:      memory.Type(typ),
				Layer:     memory.Layer(layer),
				Tags:      tags,
				Category:  category,
			})
			exitOnError(err)
			printMemories([]*memory.Memory{m})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "memory type (rule|decision|fact|note|skill)")
	cmd.Flags().StringVar(&layer, "layer", "", "memory layer (rule|working|long_term)")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&projectID, "project", "", "project id (scopes the memory to a project)")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	return cmd
}

func memoryGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one memory by id as JSON",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			m, err := store.GetById(context.Background(), args[0])
			exitOnError(err)
			if m == nil {
				exitOnError(apierr.MemoryNotFound())
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(m)
		},
	}
}

func memorySearchCmd() *cobra.Command {
	var limit int
	var projectID, userID string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search memories",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			results, err := store.Search(context.Background(), args[0], memory.SearchOptions{
				ListOptions: memory.ListOptions{ProjectID: projectID, UserID: userID, Limit: limit},
			})
			exitOnError(err)
			printMemories(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max results")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func memoryListCmd() *cobra.Command {
	var limit int
	var projectID, userID string
	var tags []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			results, err := store.List(context.Background(), memory.ListOptions{
				ProjectID: projectID,
				UserID:    userID,
				Tags:      tags,
				Limit:     limit,
			})
			exitOnError(err)
			printMemories(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag filter (repeatable)")
	return cmd
}

func memoryForgetCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "forget <id>",
		Short: "Soft-delete one memory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			ok, err := store.Forget(context.Background(), args[0], userID)
			exitOnError(err)
			if !ok {
				exitOnError(apierr.MemoryNotFound())
			}
			fmt.Println("forgotten:", args[0])
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}

func memoryVacuumCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "vacuum",
		Short: "Permanently purge soft-deleted memories",
		Run: func(cmd *cobra.Command, args []string) {
			store, err := openLocalStore()
			exitOnError(err)
			n, err := store.Vacuum(context.Background(), userID)
			exitOnError(err)
			fmt.Println("purged:", n)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	return cmd
}
