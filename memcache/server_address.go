package memcache

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/dropbox/gomc/errors"
)

// ServerAddress is one logical cluster member.
type ServerAddress struct {
	// host:port of the main server.
	Address string

	// Relative share of the keyspace.  Zero keeps the server connected but
	// gives it no keys under weighted locators.
	Weight int

	// Position in the configured server list.  Locators order sessions by it
	// so that rebuilt tables keep their key affinity.
	Order int

	// Servers taking over the main server's traffic while it is down, when
	// failure mode is on.
	Standbys []string
}

func (a *ServerAddress) String() string {
	s := a.Address
	if len(a.Standbys) > 0 {
		s += "," + strings.Join(a.Standbys, ",")
	}
	if a.Weight != 1 {
		s += fmt.Sprintf(" %d", a.Weight)
	}
	return s
}

func validateHostPort(address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Wrapf(err, "Invalid server address %q", address)
	}
	if host == "" {
		return errors.Newf("Invalid server address %q: empty host", address)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return errors.Newf("Invalid server address %q: bad port", address)
	}
	return nil
}

// ParseServerAddress parses "main[,standby...][ weight]".
func ParseServerAddress(entry string, order int) (*ServerAddress, error) {
	fields := strings.Fields(entry)
	if len(fields) == 0 || len(fields) > 2 {
		return nil, errors.Newf("Invalid server entry %q", entry)
	}

	weight := 1
	if len(fields) == 2 {
		w, err := strconv.Atoi(fields[1])
		if err != nil || w < 0 {
			return nil, errors.Newf("Invalid weight in server entry %q", entry)
		}
		weight = w
	}

	hosts := strings.Split(fields[0], ",")
	for _, host := range hosts {
		if err := validateHostPort(host); err != nil {
			return nil, err
		}
	}

	return &ServerAddress{
		Address:  hosts[0],
		Weight:   weight,
		Order:    order,
		Standbys: hosts[1:],
	}, nil
}

// ParseServerList parses every entry and rejects duplicate main addresses.
func ParseServerList(entries []string) ([]*ServerAddress, error) {
	seen := make(map[string]bool, len(entries))
	addrs := make([]*ServerAddress, 0, len(entries))
	for i, entry := range entries {
		addr, err := ParseServerAddress(entry, i)
		if err != nil {
			return nil, err
		}
		if seen[addr.Address] {
			return nil, errors.Newf("Duplicate server address %s", addr.Address)
		}
		seen[addr.Address] = true
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
