package common

import "errors"

// Sentinel errors for VPN operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Lifecycle errors.
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTunnel            = errors.New("openvpn error")
	ErrKillFailed        = errors.New("could not terminate openvpn processes")
	ErrInconsistentState = errors.New("inconsistent tunnel state")
	ErrNoEscalation      = errors.New("no privilege escalation tool available")

	// Profile errors.
	ErrProfileNotFound = errors.New("vpn not found")
	ErrRepository      = errors.New("repository error")
	ErrEmptyID         = errors.New("vpn id cannot be empty")
	ErrEmptyConfigPath = errors.New("config path cannot be empty")
	ErrInvalidConfig   = errors.New("invalid configuration file")
	ErrDuplicateName   = errors.New("profile already exists")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// NetworkManager errors.
	ErrNetworkManager = errors.New("networkmanager command failed")

	// ErrNotification is returned when no notification backend works.
	ErrNotification = errors.New("notification backend unavailable")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
