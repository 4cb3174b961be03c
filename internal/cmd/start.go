package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api"
	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the settlement node",
	Long: `Start the settlement node.

This will:
- Open the payment intent database
- Connect to the configured Bitcoin, Ethereum and Solana backends
- Start the payment monitor that reconciles pending crypto intents
- Serve the HTTP API, provider webhooks and the settlement event stream
- Serve metrics and health on the monitoring port`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		logger.Info("Starting settlement node...", "cli")

		exePath, err := filepath.Abs(os.Args[0])
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to get absolute path: %v", err), "cli")
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Starting node from: %s", exePath), "cli")

		pidManager, err := utils.NewPIDManager(config)
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to create PID manager: %v", err), "cli")
			os.Exit(1)
		}
		if err := pidManager.Acquire(); err != nil {
			logger.Error(err.Error(), "cli")
			fmt.Println(err)
			if errors.Is(err, utils.ErrAlreadyRunning) {
				fmt.Println("Use 'settlement-node stop' to stop the existing instance first")
			}
			os.Exit(1)
		}
		defer func() {
			if err := pidManager.RemovePIDFile(); err != nil {
				logger.Warn(fmt.Sprintf("Failed to remove PID file: %v", err), "cli")
			}
		}()
		logger.Info(fmt.Sprintf("Node started with PID: %d", os.Getpid()), "cli")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		apiEnabled := config.GetConfigBool("api_enabled", true)
		var (
			hub       *ws.Hub
			publisher payment.EventPublisher
		)
		if apiEnabled {
			hub = ws.NewHub(logger.Logrus())
			publisher = hub
		}

		node, err := openNode(ctx, nodeOptions{chains: true, publisher: publisher})
		if err != nil {
			logger.Error(fmt.Sprintf("Failed to initialize settlement components: %v", err), "cli")
			os.Exit(1)
		}
		defer node.Close()

		var apiServer *api.APIServer
		if apiEnabled {
			apiServer, err = api.NewAPIServer(config, logger, api.Dependencies{
				Payments: node.payments,
				Settler:  node.settler,
				Monitor:  node.monitor,
				Webhooks: node.store,
				Hub:      hub,
			})
			if err != nil {
				logger.Error(fmt.Sprintf("Failed to create API server: %v", err), "cli")
				os.Exit(1)
			}
			if err := apiServer.Start(); err != nil {
				logger.Error(fmt.Sprintf("Failed to start API server: %v", err), "cli")
				os.Exit(1)
			}
		}

		var monitoringServer *utils.MonitoringServer
		if config.GetConfigBool("monitoring_enabled", true) {
			monitoringServer = utils.NewMonitoringServer(config, logger, node.metrics, func() map[string]interface{} {
				components := map[string]interface{}{
					"monitor_running": node.monitor.IsRunning(),
					"monitor_owner":   node.monitor.Owner(),
					"notifier_queue":  node.pool.QueueLength(),
				}
				if apiServer != nil {
					components["api_port"] = apiServer.GetPort()
					components["ws_clients"] = hub.ClientCount()
				}
				return components
			})
			if err := monitoringServer.Start(); err != nil {
				logger.Error(fmt.Sprintf("Failed to start monitoring server: %v", err), "cli")
				os.Exit(1)
			}
			logger.Info(fmt.Sprintf("Monitoring server started on port %s", monitoringServer.GetPort()), "cli")
		}

		if config.GetConfigBool("monitor_enabled", true) {
			if err := node.monitor.Start(ctx); err != nil {
				logger.Error(fmt.Sprintf("Failed to start payment monitor: %v", err), "cli")
				os.Exit(1)
			}
		} else {
			logger.Info("Payment monitor disabled, crypto intents settle only through the API", "cli")
		}

		fmt.Println("Settlement node is running. Press Ctrl+C to stop.")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutdown signal received, stopping node...", "cli")

		if node.monitor.IsRunning() {
			if err := node.monitor.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping payment monitor: %v", err), "cli")
			}
		}
		if apiServer != nil {
			if err := apiServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping API server: %v", err), "cli")
			}
		}
		if monitoringServer != nil {
			if err := monitoringServer.Stop(); err != nil {
				logger.Error(fmt.Sprintf("Error stopping monitoring server: %v", err), "cli")
			}
		}

		logger.Info("Settlement node stopped successfully", "cli")
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
