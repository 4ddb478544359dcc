package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func init() {
	rootCmd.AddCommand(transferCmd)
	transferCmd.Flags().String("from", "", "Account number to debit")
	transferCmd.Flags().String("to", "", "Account number to credit, or a credit card account")
	transferCmd.Flags().String("amount", "", "Amount, for example 150 or 99.50")
	transferCmd.Flags().String("currency", "", "Currency code, defaults to the instance currency")
	transferCmd.Flags().StringP("message", "m", "", "Message on the transfer")
	transferCmd.Flags().String("due-date", "", "Due date as YYYY-MM-DD, defaults to today")
	transferCmd.Flags().Bool("credit-card", false, "Pay down a credit card instead of a debit transfer")
	_ = transferCmd.MarkFlagRequired("from")
	_ = transferCmd.MarkFlagRequired("to")
	_ = transferCmd.MarkFlagRequired("amount")
}

var transferCmd = &cobra.Command{
	Use:   "transfer INSTANCE_ID",
	Short: "Submit one transfer and print the outcome",
	Long: `Submit one transfer for the given instance. The outcome is printed as JSON
and published as an outcome event, whether the bank accepted it or not.`,
	Args: cobra.ExactArgs(1),
	RunE: runTransfer,
}

func runTransfer(cmd *cobra.Command, args []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	rawAmount, _ := cmd.Flags().GetString("amount")
	currency, _ := cmd.Flags().GetString("currency")
	message, _ := cmd.Flags().GetString("message")
	dueDate, _ := cmd.Flags().GetString("due-date")
	creditCard, _ := cmd.Flags().GetBool("credit-card")

	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", rawAmount, err)
	}
	kind := core.TransferKindDebit
	if creditCard {
		kind = core.TransferKindCreditCard
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Facade().SubmitTransfer(cmd.Context(), core.TransferRequest{
		InstanceID:  args[0],
		Kind:        kind,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		Currency:    currency,
		Message:     message,
		DueDate:     dueDate,
	})
	if _, dispatchErr := a.DispatchOutbox(cmd.Context()); dispatchErr != nil {
		a.Logger().Warn("outcome event delivery deferred", "error", dispatchErr.Error())
	}
	if printErr := printJSON(cmd, result); printErr != nil {
		return printErr
	}
	return err
}
