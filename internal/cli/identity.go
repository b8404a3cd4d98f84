package cli

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"mupeer.dev/go/mupeer/internal/config"
	"mupeer.dev/go/mupeer/internal/daemon"
	"mupeer.dev/go/mupeer/internal/identity"
)

var identityQR bool

func init() {
	rootCmd.AddCommand(identityCmd)

	identityCmd.Flags().BoolVar(&identityQR, "qr", false, "print the peer card as a QR code")
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this peer's identity",
	Long: `Show the stored peer identity.

The identity is created the first time the daemon runs and survives
restarts. Use 'mupeer reset' to replace it.

Examples:
  mupeer identity
  mupeer identity --qr`,
	RunE: runIdentity,
}

func runIdentity(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	id, err := daemon.IdentityStore(cfg.Identity, paths).Load()
	if errors.Is(err, identity.ErrNotFound) {
		return fmt.Errorf("no identity yet. It is created on first run: mupeer run")
	}
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, id)
	}

	st := newStyles()
	fmt.Fprintf(out, "%s %s\n", st.title.Render("Name:"), id.DisplayName)
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("ID:     "), id.ID)
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("Created:"), id.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(out, "  %s %s\n", st.label.Render("Storage:"), cfg.Identity.Storage)

	if identityQR {
		qr, err := generateQRCode(peerCard(id))
		if err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, qr)
	}
	return nil
}

// peerCard is a URI naming the peer, suitable for pairing screens
func peerCard(id *identity.PeerIdentity) string {
	u := url.URL{
		Scheme:   "mupeer",
		Host:     "peer",
		Path:     "/" + id.ID,
		RawQuery: url.Values{"name": {id.DisplayName}}.Encode(),
	}
	return u.String()
}

func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}
