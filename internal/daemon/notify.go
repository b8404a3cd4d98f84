package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// Notifier interface for desktop notifications
type Notifier interface {
	Notify(title, body string) error
}

// NewNotifier returns a platform-specific notifier
func NewNotifier() Notifier {
	switch runtime.GOOS {
	case "darwin":
		return commandNotifier{darwinCommand}
	case "linux":
		return commandNotifier{notifySendCommand, zenityCommand, kdialogCommand}
	case "windows":
		return commandNotifier{windowsToastCommand}
	default:
		return nullNotifier{}
	}
}

// notifyCommand builds the command that shows one notification
type notifyCommand func(title, body string) *exec.Cmd

func darwinCommand(title, body string) *exec.Cmd {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	return exec.Command("osascript", "-e", script)
}

func notifySendCommand(title, body string) *exec.Cmd {
	return exec.Command("notify-send", title, body)
}

func zenityCommand(title, body string) *exec.Cmd {
	return exec.Command("zenity", "--notification", "--title="+title, "--text="+body)
}

func kdialogCommand(title, body string) *exec.Cmd {
	return exec.Command("kdialog", "--passivepopup", body, "5", "--title", title)
}

func windowsToastCommand(title, body string) *exec.Cmd {
	script := fmt.Sprintf(`
		[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
		$xml = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
		$text = $xml.GetElementsByTagName("text")
		$text.Item(0).AppendChild($xml.CreateTextNode(%q)) | Out-Null
		$text.Item(1).AppendChild($xml.CreateTextNode(%q)) | Out-Null
		$toast = [Windows.UI.Notifications.ToastNotification]::new($xml)
		[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier("mupeer").Show($toast)
	`, title, body)
	return exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
}

// commandNotifier tries each command in turn until one succeeds
type commandNotifier []notifyCommand

func (n commandNotifier) Notify(title, body string) error {
	for _, build := range n {
		cmd := build(title, body)
		if _, err := exec.LookPath(cmd.Path); err != nil {
			continue
		}
		if err := cmd.Run(); err != nil {
			slog.Debug("Notification command failed", "command", cmd.Path, "error", err)
			continue
		}
		return nil
	}
	return errors.New("no notification method available")
}

// nullNotifier is a no-op notifier for unsupported platforms
type nullNotifier struct{}

func (nullNotifier) Notify(title, body string) error {
	slog.Debug("Notifications not supported on this platform", "title", title)
	return nil
}

// NotificationService sends desktop notifications when enabled
type NotificationService struct {
	notifier Notifier
	enabled  bool
}

// NewNotificationService creates a new notification service
func NewNotificationService(enabled bool) *NotificationService {
	return &NotificationService{
		notifier: NewNotifier(),
		enabled:  enabled,
	}
}

// Notify sends a notification if enabled
func (s *NotificationService) Notify(title, body string) error {
	if !s.enabled {
		return nil
	}
	return s.notifier.Notify(title, body)
}

// NotifyHostChanged sends a notification about a new host
func (s *NotificationService) NotifyHostChanged(hostName string, isMe bool) error {
	body := fmt.Sprintf("%s is now the host", hostName)
	if isMe {
		body = "This device is now the host"
	}
	return s.Notify("mupeer - Host Changed", body)
}
