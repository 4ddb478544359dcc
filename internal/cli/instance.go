package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func init() {
	rootCmd.AddCommand(instanceCmd)
	instanceCmd.AddCommand(instanceAddCmd)
	instanceCmd.AddCommand(instanceRemoveCmd)
	instanceCmd.AddCommand(instanceListCmd)

	flags := instanceAddCmd.Flags()
	flags.String("name", "", "Display name")
	flags.String("credential-ref", "", "Credential reference, defaults to the instance id")
	flags.String("client-id", "", "OAuth client id issued by the bank")
	flags.String("client-secret", "", "OAuth client secret issued by the bank")
	flags.String("currency", "", "Default currency code")
	flags.String("max-amount", "", "Largest amount a single transfer may move")
	flags.StringSlice("monitor", nil, "Account numbers to poll, all accounts when empty")
}

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage bank instances",
}

var instanceAddCmd = &cobra.Command{
	Use:   "add INSTANCE_ID",
	Short: "Register an instance or update an existing one",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstanceAdd,
}

var instanceRemoveCmd = &cobra.Command{
	Use:   "remove INSTANCE_ID",
	Short: "Remove an instance together with its tokens and cached accounts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Facade().RemoveInstance(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"instance_id": args[0], "removed": true})
	},
}

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		instances, err := a.Facade().Instances(cmd.Context())
		if err != nil {
			return err
		}
		out := make([]instanceOutput, 0, len(instances))
		for _, instance := range instances {
			out = append(out, newInstanceOutput(instance))
		}
		return printJSON(cmd, out)
	},
}

func runInstanceAdd(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	name, _ := flags.GetString("name")
	credentialRef, _ := flags.GetString("credential-ref")
	clientID, _ := flags.GetString("client-id")
	clientSecret, _ := flags.GetString("client-secret")
	currency, _ := flags.GetString("currency")
	rawMax, _ := flags.GetString("max-amount")
	monitored, _ := flags.GetStringSlice("monitor")

	var maxAmount decimal.Decimal
	if rawMax != "" {
		parsed, err := decimal.NewFromString(rawMax)
		if err != nil {
			return fmt.Errorf("invalid max amount %q: %w", rawMax, err)
		}
		maxAmount = parsed
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	instance, err := a.Facade().RegisterInstance(cmd.Context(), core.RegisterInstanceRequest{
		ID:                args[0],
		Name:              name,
		CredentialRef:     credentialRef,
		ClientID:          clientID,
		ClientSecret:      clientSecret,
		DefaultCurrency:   currency,
		MaxAmount:         maxAmount,
		MonitoredAccounts: monitored,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, newInstanceOutput(instance))
}

type instanceOutput struct {
	ID                string    `json:"id"`
	Name              string    `json:"name,omitempty"`
	CredentialRef     string    `json:"credential_ref,omitempty"`
	DefaultCurrency   string    `json:"default_currency,omitempty"`
	MaxAmount         string    `json:"max_amount,omitempty"`
	MonitoredAccounts []string  `json:"monitored_accounts,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newInstanceOutput(instance core.Instance) instanceOutput {
	out := instanceOutput{
		ID:                instance.ID,
		Name:              instance.Name,
		CredentialRef:     instance.CredentialRef,
		DefaultCurrency:   instance.DefaultCurrency,
		MonitoredAccounts: instance.MonitoredAccounts,
		CreatedAt:         instance.CreatedAt,
		UpdatedAt:         instance.UpdatedAt,
	}
	if !instance.MaxAmount.IsZero() {
		out.MaxAmount = instance.MaxAmount.String()
	}
	return out
}
