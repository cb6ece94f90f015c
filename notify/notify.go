// Package notify shows desktop notifications for connection events.
// Notifications go over the session D-Bus and fall back to notify-send.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/ovpn-manager/common"
)

const (
	busName       = "org.freedesktop.Notifications"
	busPath       = "/org/freedesktop/Notifications"
	notifyMethod  = busName + ".Notify"
	expireTimeout = int32(5000)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a system notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "network-vpn-error"
	default:
		return "network-vpn"
	}
}

// urgency follows the freedesktop levels: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

func (n Notification) urgencyName() string {
	return [...]string{"low", "normal", "critical"}[n.urgency()]
}

// Runner executes the notify-send fallback. vpn.ExecCommander satisfies it.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// busCaller is the part of a D-Bus object used to send notifications.
type busCaller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Notifier implements common.Notifier.
type Notifier struct {
	enabled bool
	run     Runner

	once    sync.Once
	connect func() (busCaller, error)
	bus     busCaller
	busErr  error

	log *common.AppLogger
}

var _ common.Notifier = (*Notifier)(nil)

// New creates a notifier. A disabled notifier drops every notification.
func New(enabled bool, run Runner) *Notifier {
	return &Notifier{
		enabled: enabled,
		run:     run,
		connect: sessionBus,
		log:     common.GetLogger().With("notify"),
	}
}

func sessionBus() (busCaller, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, err
	}
	return conn.Object(busName, dbus.ObjectPath(busPath)), nil
}

// Notify shows a notification; its type is guessed from the title.
func (n *Notifier) Notify(title, message string) error {
	return n.Show(Notification{Title: title, Message: message, Type: typeForTitle(title)})
}

// NotifyWithIcon shows a notification with an explicit icon name.
func (n *Notifier) NotifyWithIcon(title, message, icon string) error {
	return n.Show(Notification{Title: title, Message: message, Type: typeForTitle(title), Icon: icon})
}

// Show displays n, preferring D-Bus and falling back to notify-send.
func (n *Notifier) Show(note Notification) error {
	if !n.enabled {
		return nil
	}

	n.once.Do(func() {
		n.bus, n.busErr = n.connect()
		if n.busErr != nil {
			n.log.Debug("Session bus unavailable, using notify-send: %v", n.busErr)
		}
	})

	if n.bus != nil {
		call := n.bus.Call(notifyMethod, 0,
			common.AppName,
			uint32(0),
			note.icon(),
			note.Title,
			note.Message,
			[]string{},
			map[string]dbus.Variant{"urgency": dbus.MakeVariant(note.urgency())},
			expireTimeout,
		)
		if call.Err == nil {
			return nil
		}
		n.log.Debug("D-Bus notification failed: %v", call.Err)
	}

	return n.notifySend(note)
}

func (n *Notifier) notifySend(note Notification) error {
	if n.run == nil {
		return common.ErrNotification
	}
	ctx, cancel := context.WithTimeout(context.Background(), common.CommandTimeout)
	defer cancel()

	_, err := n.run.Output(ctx, "notify-send",
		"--app-name="+common.AppName,
		"--icon="+note.icon(),
		"--urgency="+note.urgencyName(),
		note.Title,
		note.Message,
	)
	if err != nil {
		n.log.Warn("Error showing notification: %v", err)
		return fmt.Errorf("%w: %v", common.ErrNotification, err)
	}
	return nil
}

func typeForTitle(title string) NotificationType {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "fail"), strings.Contains(t, "error"):
		return NotificationError
	case strings.Contains(t, "lost"), strings.Contains(t, "reconnect"):
		return NotificationWarning
	case strings.Contains(t, "disconnected"):
		return NotificationInfo
	case strings.Contains(t, "connected"):
		return NotificationSuccess
	default:
		return NotificationInfo
	}
}
