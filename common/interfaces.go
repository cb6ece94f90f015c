package common

// Credentials are the username/password pair handed to openvpn via --auth-user-pass.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Empty reports whether neither field is set.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// CredentialStore defines the interface for credential storage.
// Implementations may use system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves credentials for a profile.
	Store(profileID string, creds Credentials) error
	// Get retrieves credentials for a profile.
	Get(profileID string) (Credentials, error)
	// Delete removes credentials for a profile.
	Delete(profileID string) error
}

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// Notify sends a notification with the given title and message.
	Notify(title, message string) error
	// NotifyWithIcon sends a notification with a custom icon.
	NotifyWithIcon(title, message, icon string) error
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
