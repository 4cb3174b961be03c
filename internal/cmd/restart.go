package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:     "restart",
	Aliases: []string{"restart-node"},
	Short:   "Restart the running settlement node",
	Long:    "Restart the running settlement node by stopping it gracefully and starting it again in the background",
	Args:    cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		if err := stopRunningNode("restart"); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Let the old process release the database and ports
		time.Sleep(2 * time.Second)

		fmt.Println("Starting node...")
		logger.Info("Starting node", "restart")

		exePath, err := os.Executable()
		if err != nil {
			msg := fmt.Sprintf("Failed to get executable path: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}

		startArgs := []string{"start"}
		if configPath != "" {
			startArgs = append(startArgs, "--config", configPath)
		}

		child := exec.Command(exePath, startArgs...)
		child.Stdout = nil
		child.Stderr = nil
		child.Stdin = nil

		if err := child.Start(); err != nil {
			msg := fmt.Sprintf("Failed to start node: %v", err)
			fmt.Println(msg)
			logger.Error(msg, "restart")
			os.Exit(1)
		}

		pid := child.Process.Pid
		if err := child.Process.Release(); err != nil {
			msg := fmt.Sprintf("Warning: Failed to detach process: %v", err)
			fmt.Println(msg)
			logger.Warn(msg, "restart")
		}

		msg := fmt.Sprintf("Settlement node restarted (PID %d)", pid)
		fmt.Println(msg)
		logger.Info(msg, "restart")
	},
}

func init() {
	restartCmd.Flags().DurationVar(&stopGracePeriod, "grace-period", 30*time.Second, "time to wait for a graceful exit before killing the node")
	rootCmd.AddCommand(restartCmd)
}
