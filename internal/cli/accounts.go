package cli

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.Flags().Bool("cached", false, "Print the cached snapshot without calling the bank")
}

var accountsCmd = &cobra.Command{
	Use:   "accounts INSTANCE_ID",
	Short: "Fetch accounts and balances for an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
	cached, _ := cmd.Flags().GetBool("cached")

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if cached {
		accounts, err := a.Facade().Accounts(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, accounts)
	}

	byNumber, err := a.Facade().RefreshAccounts(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	accounts := make([]core.Account, 0, len(byNumber))
	for _, account := range byNumber {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].AccountNumber < accounts[j].AccountNumber })
	return printJSON(cmd, accounts)
}
