package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var stopGracePeriod time.Duration

var stopCmd = &cobra.Command{
	Use:     "stop",
	Aliases: []string{"stop-node", "kill"},
	Short:   "Stop the running settlement node",
	Long: `Stop the running settlement node by sending a graceful termination signal.

The node finishes the reconciliation pass in progress and drains queued
notifications before exiting; it is killed when the grace period expires.`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if err := stopRunningNode("stop"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

// stopRunningNode stops the node named by the PID file; a missing or stale file is not an error
func stopRunningNode(category string) error {
	pidManager, err := utils.NewPIDManager(config)
	if err != nil {
		return fmt.Errorf("failed to create PID manager: %v", err)
	}

	pid, err := pidManager.ReadPID()
	if err != nil {
		fmt.Println(err)
		logger.Info(err.Error(), category)
		return nil
	}

	fmt.Printf("Found running node with PID: %d\n", pid)

	if !pidManager.IsProcessRunning(pid) {
		msg := fmt.Sprintf("Process with PID %d is not running", pid)
		fmt.Println(msg)
		logger.Warn(msg, category)

		if err := pidManager.RemovePIDFile(); err != nil {
			fmt.Printf("Warning: Failed to remove stale PID file: %v\n", err)
		} else {
			fmt.Println("Removed stale PID file")
		}
		return nil
	}

	fmt.Printf("Stopping settlement node (PID: %d)...\n", pid)
	if err := pidManager.StopProcess(pid, stopGracePeriod); err != nil {
		msg := fmt.Sprintf("Failed to stop process: %v", err)
		logger.Error(msg, category)
		return fmt.Errorf("%s", msg)
	}

	if err := pidManager.RemovePIDFile(); err != nil {
		fmt.Printf("Warning: Failed to remove PID file: %v\n", err)
	}

	msg := "Settlement node stopped successfully"
	fmt.Println(msg)
	logger.Info(msg, category)
	return nil
}

func init() {
	stopCmd.Flags().DurationVar(&stopGracePeriod, "grace-period", 30*time.Second, "time to wait for a graceful exit before killing the node")
	rootCmd.AddCommand(stopCmd)
}
