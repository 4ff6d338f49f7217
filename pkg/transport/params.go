package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ConnectionParams identifies a queue manager endpoint.
type ConnectionParams struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Channel string `json:"channel"`
	Manager string `json:"manager"`
}

// ParseConnectionParams parses a connection string in the form
// "host:port:channel:manager".
func ParseConnectionParams(s string) (ConnectionParams, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 4 {
		return ConnectionParams{}, fmt.Errorf("invalid connection string %q: expected host:port:channel:manager", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return ConnectionParams{}, fmt.Errorf("invalid port in connection string %q: %w", s, err)
	}
	p := ConnectionParams{
		Host:    parts[0],
		Port:    port,
		Channel: parts[2],
		Manager: parts[3],
	}
	if err := p.Validate(); err != nil {
		return ConnectionParams{}, err
	}
	return p, nil
}

// ParseConnectionParamsList parses each of the given connection strings.
func ParseConnectionParamsList(ss []string) ([]ConnectionParams, error) {
	res := make([]ConnectionParams, 0, len(ss))
	for _, s := range ss {
		p, err := ParseConnectionParams(s)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (p ConnectionParams) Validate() error {
	if len(p.Host) == 0 {
		return fmt.Errorf("connection host must be specified")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("connection port must be between 1 and 65535, got %d", p.Port)
	}
	if len(p.Channel) == 0 {
		return fmt.Errorf("connection channel must be specified")
	}
	if len(p.Manager) == 0 {
		return fmt.Errorf("queue manager must be specified")
	}
	return nil
}

// Address returns the host:port of the broker endpoint.
func (p ConnectionParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p ConnectionParams) String() string {
	return fmt.Sprintf("%s:%d:%s:%s", p.Host, p.Port, p.Channel, p.Manager)
}
