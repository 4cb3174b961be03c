package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/database"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/types"
)

var (
	chargeAmount      int64
	chargeCurrency    string
	chargeMethod      string
	chargeDescription string
	chargeRecipient   string

	listStatus string
	listLimit  int

	resolveSettle        bool
	resolveFail          bool
	resolveTxID          string
	resolveConfirmations int64
	resolveReason        string
)

var chargeCmd = &cobra.Command{
	Use:   "charge",
	Short: "Create and inspect payment intents",
	Long: `Create and inspect payment intents in the local database.

These commands work without a running node; 'check' connects to the chain
backends directly and reconciles one intent the same way the monitor does.`,
}

var chargeCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a crypto charge or register a card intent",
	Long: `Create a payment intent for an amount in minor fiat units (cents).

Crypto charges are converted at the current exchange rate (or the configured
fallback rate) and paid to the configured receiving address.

Examples:
  settlement-node charge create --amount 10000 --currency USDT
  settlement-node charge create --amount 2500 --method card --recipient borrower@example.com`,
	Args: cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		node := mustOpenNode(ctx, nodeOptions{})
		defer node.Close()

		var (
			intent *database.PaymentIntent
			err    error
		)
		switch types.PaymentMethod(strings.ToLower(chargeMethod)) {
		case types.PaymentMethodCard:
			intent, err = node.payments.RegisterCardIntent(ctx, payment.CardIntentRequest{
				AmountMinor: chargeAmount,
				Description: chargeDescription,
				Recipient:   chargeRecipient,
			})
		case types.PaymentMethodCrypto:
			currency, ok := types.ParseCurrency(chargeCurrency)
			if !ok {
				fmt.Printf("Error: %v: %q\n", payment.ErrUnsupportedCurrency, chargeCurrency)
				os.Exit(1)
			}
			intent, err = node.payments.CreateCharge(ctx, payment.ChargeRequest{
				AmountMinor: chargeAmount,
				Currency:    currency,
				Description: chargeDescription,
				Recipient:   chargeRecipient,
			})
		default:
			fmt.Printf("Error: unknown payment method %q (crypto or card)\n", chargeMethod)
			os.Exit(1)
		}
		if err != nil {
			fmt.Printf("Error: Failed to create charge: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("✓ Charge created")
		printIntent(intent)
	},
}

var chargeShowCmd = &cobra.Command{
	Use:   "show <charge-id>",
	Short: "Show one payment intent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		node := mustOpenNode(ctx, nodeOptions{})
		defer node.Close()

		intent, err := node.payments.GetIntent(ctx, args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		printIntent(intent)
	},
}

var chargeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List payment intents, newest first",
	Args:  cobra.ExactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		node := mustOpenNode(ctx, nodeOptions{})
		defer node.Close()

		status := types.IntentStatus(strings.ToLower(listStatus))
		switch status {
		case "", types.IntentStatusPending, types.IntentStatusSucceeded, types.IntentStatusFailed:
		default:
			fmt.Printf("Error: unknown status %q\n", listStatus)
			os.Exit(1)
		}

		intents, err := node.payments.ListIntents(ctx, status, listLimit)
		if err != nil {
			fmt.Printf("Error: Failed to list intents: %v\n", err)
			os.Exit(1)
		}
		if len(intents) == 0 {
			fmt.Println("No payment intents found")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHARGE ID\tMETHOD\tAMOUNT\tCRYPTO\tSTATUS\tCREATED")
		for _, intent := range intents {
			crypto := "-"
			if intent.PaymentMethod == types.PaymentMethodCrypto {
				crypto = intent.CryptoAmount + " " + string(intent.Currency)
			}
			status := string(intent.Status)
			if intent.ReviewReason != "" && intent.Status == types.IntentStatusPending {
				status += " (review)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				intent.ChargeID, intent.PaymentMethod, formatMinor(intent.AmountMinor, intent.FiatCurrency),
				crypto, status, intent.CreatedAt.Local().Format(time.DateTime))
		}
		w.Flush()
	},
}

var chargeCheckCmd = &cobra.Command{
	Use:   "check <charge-id>",
	Short: "Reconcile one crypto intent against the chain now",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		node := mustOpenNode(ctx, nodeOptions{chains: true})
		defer node.Close()

		result, err := node.monitor.CheckIntent(ctx, args[0])
		if err != nil && result.ChargeID == "" {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Charge:         %s\n", result.ChargeID)
		fmt.Printf("Outcome:        %s\n", result.Outcome)
		if result.TxID != "" {
			fmt.Printf("Transaction:    %s\n", result.TxID)
			fmt.Printf("Confirmations:  %d/%d\n", result.Confirmations, result.Required)
		}
		if result.Reason != "" {
			fmt.Printf("Review reason:  %s\n", result.Reason)
		}
		if result.Err != nil {
			fmt.Printf("Error:          %v\n", result.Err)
			os.Exit(1)
		}
	},
}

var chargeResolveCmd = &cobra.Command{
	Use:   "resolve <charge-id>",
	Short: "Settle or fail an intent by operator decision",
	Long: `Settle or fail a pending intent, typically one flagged for review.

Examples:
  settlement-node charge resolve ch_... --settle --tx 0xabc... --confirmations 20
  settlement-node charge resolve ch_... --fail --reason "refunded to payer"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if resolveSettle == resolveFail {
			fmt.Println("Error: exactly one of --settle or --fail is required")
			os.Exit(1)
		}
		if resolveSettle && resolveTxID == "" {
			fmt.Println("Error: --tx is required with --settle")
			os.Exit(1)
		}

		ctx := context.Background()
		node := mustOpenNode(ctx, nodeOptions{})
		defer node.Close()

		var (
			result payment.SettleResult
			err    error
		)
		if resolveSettle {
			result, err = node.settler.Settle(ctx, args[0], payment.Settlement{
				TxID:          resolveTxID,
				Confirmations: resolveConfirmations,
				Source:        types.SourceManual,
			})
		} else {
			if resolveReason == "" {
				resolveReason = "failed by operator"
			}
			result, err = node.settler.Fail(ctx, args[0], resolveReason, types.SourceManual)
		}
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}

		if result.Transitioned {
			fmt.Printf("✓ Intent %s is now %s\n", args[0], result.Status)
		} else {
			fmt.Printf("Intent %s was already %s, nothing changed\n", args[0], result.Status)
		}
		if result.NotifyErr != nil {
			fmt.Printf("Warning: %v\n", result.NotifyErr)
		}
	},
}

func mustOpenNode(ctx context.Context, opts nodeOptions) *settlementNode {
	node, err := openNode(ctx, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	return node
}

func printIntent(intent *database.PaymentIntent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Charge ID:      %s\n", intent.ChargeID)
	fmt.Printf("Status:         %s (%s)\n", intent.Status, payment.PublicStatus(intent.Status))
	fmt.Printf("Method:         %s\n", intent.PaymentMethod)
	fmt.Printf("Amount:         %s\n", formatMinor(intent.AmountMinor, intent.FiatCurrency))
	if intent.PaymentMethod == types.PaymentMethodCrypto {
		fmt.Printf("Pay:            %s %s\n", intent.CryptoAmount, intent.Currency)
		fmt.Printf("To:             %s\n", intent.ReceivingAddress)
		fmt.Printf("Rate:           %s (%s)\n", intent.ExchangeRate, intent.RateSource)
		if intent.PaymentURI != "" {
			fmt.Printf("Payment URI:    %s\n", intent.PaymentURI)
		}
	}
	if intent.Description != "" {
		fmt.Printf("Description:    %s\n", intent.Description)
	}
	if intent.Recipient != "" {
		fmt.Printf("Recipient:      %s\n", intent.Recipient)
	}
	fmt.Printf("Created:        %s\n", intent.CreatedAt.Local().Format(time.DateTime))
	if !intent.ExpiresAt.IsZero() {
		fmt.Printf("Expires:        %s\n", intent.ExpiresAt.Local().Format(time.DateTime))
	}
	if intent.TransactionID != "" {
		fmt.Printf("Transaction:    %s (%d confirmations, via %s)\n", intent.TransactionID, intent.Confirmations, intent.SettledVia)
	}
	if intent.FailureReason != "" {
		fmt.Printf("Failure:        %s\n", intent.FailureReason)
	}
	if intent.ReviewReason != "" {
		fmt.Printf("Needs review:   %s\n", intent.ReviewReason)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func formatMinor(amountMinor int64, fiat string) string {
	sign := ""
	if amountMinor < 0 {
		sign = "-"
		amountMinor = -amountMinor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amountMinor/100, amountMinor%100, fiat)
}

func init() {
	chargeCreateCmd.Flags().Int64Var(&chargeAmount, "amount", 0, "amount in minor fiat units (cents)")
	chargeCreateCmd.Flags().StringVar(&chargeCurrency, "currency", "", "crypto currency: BTC, ETH, USDT, USDC or USDC_SOL")
	chargeCreateCmd.Flags().StringVar(&chargeMethod, "method", string(types.PaymentMethodCrypto), "payment method: crypto or card")
	chargeCreateCmd.Flags().StringVar(&chargeDescription, "description", "", "description shown to the payer")
	chargeCreateCmd.Flags().StringVar(&chargeRecipient, "recipient", "", "who to notify on settlement")
	chargeCreateCmd.MarkFlagRequired("amount")

	chargeListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status: pending, succeeded or failed")
	chargeListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of intents to list")

	chargeResolveCmd.Flags().BoolVar(&resolveSettle, "settle", false, "mark the intent succeeded")
	chargeResolveCmd.Flags().BoolVar(&resolveFail, "fail", false, "mark the intent failed")
	chargeResolveCmd.Flags().StringVar(&resolveTxID, "tx", "", "settling transaction id")
	chargeResolveCmd.Flags().Int64Var(&resolveConfirmations, "confirmations", 0, "confirmations observed for --tx")
	chargeResolveCmd.Flags().StringVar(&resolveReason, "reason", "", "failure reason")

	chargeCmd.AddCommand(chargeCreateCmd)
	chargeCmd.AddCommand(chargeShowCmd)
	chargeCmd.AddCommand(chargeListCmd)
	chargeCmd.AddCommand(chargeCheckCmd)
	chargeCmd.AddCommand(chargeResolveCmd)
	rootCmd.AddCommand(chargeCmd)
}
