package ledger

import (
	"errors"
	"time"
)

// Config describes one ledger network connection. It is built explicitly by
// the caller and handed to the binding and its connector.
type Config struct {
	Endpoint           string
	ServerNameOverride string
	TLSCertPath        string // empty means plaintext transport
	ChannelName        string
	ContractName       string
	KeyDir             string
	// Timeout bounds every submit and evaluate including the commit wait.
	Timeout time.Duration
}

// Validate ensures the configuration can be used to reach a contract
func (c Config) Validate() error {
	if c.ChannelName == "" {
		return errors.New("ledger channel name is required")
	}
	if c.ContractName == "" {
		return errors.New("ledger contract name is required")
	}
	if c.Timeout <= 0 {
		return errors.New("ledger timeout must be positive")
	}
	return nil
}
