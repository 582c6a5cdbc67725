package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress required")
	}
	if _, err := parseAddress("CustodyAddress", c.CustodyAddress); err != nil {
		return err
	}
	if _, err := parseAddresses("Admins", c.Admins); err != nil {
		return err
	}
	if _, err := parseAddresses("DisputeResolvers", c.DisputeResolvers); err != nil {
		return err
	}
	seen := make(map[common.Address]struct{}, len(c.Tokens))
	for i, tok := range c.Tokens {
		addr, err := parseAddress(fmt.Sprintf("Tokens[%d].Address", i), tok.Address)
		if err != nil {
			return err
		}
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("Tokens[%d]: duplicate address %s", i, addr.Hex())
		}
		seen[addr] = struct{}{}
		if strings.TrimSpace(tok.Symbol) == "" {
			return fmt.Errorf("Tokens[%d]: symbol required", i)
		}
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("Auth.HMACSecret required when auth is enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit values must not be negative")
	}
	return nil
}

// Custody returns the parsed custody address.
func (c *Config) Custody() common.Address {
	addr, _ := parseAddress("CustodyAddress", c.CustodyAddress)
	return addr
}

// AdminAddresses returns the accounts granted the admin role at startup.
func (c *Config) AdminAddresses() []common.Address {
	addrs, _ := parseAddresses("Admins", c.Admins)
	return addrs
}

// ResolverAddresses returns the accounts granted the arbiter role at startup.
func (c *Config) ResolverAddresses() []common.Address {
	addrs, _ := parseAddresses("DisputeResolvers", c.DisputeResolvers)
	return addrs
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s: zero address", field)
	}
	return addr, nil
}

func parseAddresses(field string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for i, entry := range raw {
		addr, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}
