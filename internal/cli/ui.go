package cli

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
)

var uiNoOpen bool

func init() {
	rootCmd.AddCommand(uiCmd)

	uiCmd.Flags().BoolVar(&uiNoOpen, "no-open", false, "don't open browser, just print URL")
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the web UI",
	Long: `Open the mupeer web UI in your default browser.

The web UI shows the session peers, the current host and the replicated
values, and updates live as they change.`,
	RunE: runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	c, err := connect()
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if status.WebAddr == "" {
		return fmt.Errorf("web UI is disabled. Set web_enabled = true under [daemon] in the config file")
	}

	url := "http://" + status.WebAddr

	if uiNoOpen {
		fmt.Printf("Web UI: %s\n", url)
		fmt.Printf("Peer:   %s\n", status.DisplayName)
		return nil
	}

	fmt.Printf("Opening %s in browser...\n", url)

	if err := openBrowser(url); err != nil {
		fmt.Printf("Failed to open browser: %v\n", err)
		fmt.Printf("Open manually: %s\n", url)
	}

	return nil
}

// openBrowser opens the specified URL in the default browser
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		// Try xdg-open first, then common browsers
		if _, err := exec.LookPath("xdg-open"); err == nil {
			cmd = exec.Command("xdg-open", url)
		} else if _, err := exec.LookPath("google-chrome"); err == nil {
			cmd = exec.Command("google-chrome", url)
		} else if _, err := exec.LookPath("firefox"); err == nil {
			cmd = exec.Command("firefox", url)
		} else {
			return fmt.Errorf("no browser found")
		}
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
