package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/remimikalsen/sparebank1-pengerobot/core"
)

func init() {
	rootCmd.AddCommand(authorizeCmd)
	authorizeCmd.AddCommand(authorizeURLCmd)
	authorizeCmd.AddCommand(authorizeCompleteCmd)
	authorizeCmd.AddCommand(authorizeCheckCmd)
	authorizeCmd.AddCommand(authorizeImportCmd)

	authorizeURLCmd.Flags().String("redirect-uri", "", "Redirect URI registered with the bank")
	authorizeCompleteCmd.Flags().String("code", "", "Authorization code from the redirect")
	authorizeCompleteCmd.Flags().String("state", "", "State value from the redirect")
	authorizeCompleteCmd.Flags().String("redirect-uri", "", "Redirect URI used for the authorization URL")
	_ = authorizeCompleteCmd.MarkFlagRequired("code")
	_ = authorizeCompleteCmd.MarkFlagRequired("state")

	authorizeImportCmd.Flags().String("refresh-token", "", "Refresh token obtained outside pengerobot")
	authorizeImportCmd.Flags().String("access-token", "", "Optional access token paired with the refresh token")
	authorizeImportCmd.Flags().Duration("expires-in", 0, "Remaining lifetime of the access token")
	_ = authorizeImportCmd.MarkFlagRequired("refresh-token")
}

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Run the OAuth authorization code flow for an instance",
}

var authorizeURLCmd = &cobra.Command{
	Use:   "url INSTANCE_ID",
	Short: "Print the bank authorization URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		redirectURI, _ := cmd.Flags().GetString("redirect-uri")
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Facade().AuthorizationURL(cmd.Context(), args[0], redirectURI)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var authorizeCompleteCmd = &cobra.Command{
	Use:   "complete INSTANCE_ID",
	Short: "Exchange an authorization code for the first token pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("code")
		state, _ := cmd.Flags().GetString("state")
		redirectURI, _ := cmd.Flags().GetString("redirect-uri")
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		err = a.Facade().CompleteAuthorization(cmd.Context(), core.CompleteAuthorizationRequest{
			InstanceID:  args[0],
			Code:        code,
			State:       state,
			RedirectURI: redirectURI,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"instance_id": args[0], "authorized": true})
	},
}

var authorizeCheckCmd = &cobra.Command{
	Use:   "check INSTANCE_ID",
	Short: "Report whether the instance holds a usable token, refreshing it if needed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.Facade().EnsureAuthorized(cmd.Context(), args[0])
		if err != nil && core.FailureKindOf(err) != core.FailureAuthorizationExpired {
			return err
		}
		return printJSON(cmd, map[string]any{"instance_id": args[0], "authorized": ok})
	},
}

var authorizeImportCmd = &cobra.Command{
	Use:   "import INSTANCE_ID",
	Short: "Store an existing token pair for an instance",
	Long: `Store a token pair obtained elsewhere, for example from the bank's developer
portal. Without an access token the first call refreshes immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refreshToken, _ := cmd.Flags().GetString("refresh-token")
		accessToken, _ := cmd.Flags().GetString("access-token")
		expiresIn, _ := cmd.Flags().GetDuration("expires-in")

		pair := core.TokenPair{RefreshToken: refreshToken, AccessToken: accessToken}
		if accessToken != "" && expiresIn > 0 {
			pair.AccessExpiry = time.Now().UTC().Add(expiresIn)
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.Facade().Instance(cmd.Context(), args[0]); err != nil {
			return err
		}
		stored, err := a.Facade().ImportTokenPair(cmd.Context(), args[0], pair)
		if err != nil {
			return err
		}
		out := map[string]any{"instance_id": args[0], "version": stored.Version}
		if !stored.AccessExpiry.IsZero() {
			out["access_expiry"] = stored.AccessExpiry
		}
		return printJSON(cmd, out)
	},
}
