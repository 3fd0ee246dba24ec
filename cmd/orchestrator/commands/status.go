package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kiautoagent/orchestrator/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show merged configuration and persisted state paths",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println("Configuration:")
	fmt.Println(string(data))

	paths := config.GetPaths()
	fmt.Println()
	fmt.Println("Paths:")
	fmt.Printf("  Root:     %s\n", paths.Root)
	fmt.Printf("  Config:   %s\n", paths.Config)
	fmt.Printf("  Memory:   %s\n", paths.Memory)
	fmt.Printf("  Sessions: %s\n", paths.Sessions)
	fmt.Printf("  Cache:    %s\n", paths.Cache)

	return nil
}
