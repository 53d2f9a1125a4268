// Package config holds both binaries' CLI surface: flag-parsed
// role/peer/faculty switches layered over getenv-with-default for
// anything not on the command line (DB connection, ports, semester).
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"campusbroker/internal/datastore"
)

// getenv returns os.Getenv(key), or def if unset/empty.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// DBConfigFromEnv builds a datastore.Config from DB_HOST/DB_PORT/DB_USER/
// DB_PASSWORD/DB_NAME.
func DBConfigFromEnv() datastore.Config {
	return datastore.Config{
		Host:     getenv("DB_HOST", "localhost"),
		Port:     getenv("DB_PORT", "5432"),
		User:     getenv("DB_USER", "postgres"),
		Password: getenv("DB_PASSWORD", ""),
		DBName:   getenv("DB_NAME", "campusbroker"),
		SSLMode:  getenv("DB_SSLMODE", "disable"),
	}
}

// Broker is the broker process's CLI surface: `--role PRIMARY|BACKUP
// --peer <host-or-ip>`.
type Broker struct {
	Role     string
	Peer     string
	Addr     string
	Semester string
}

// ParseBroker parses os.Args[1:] into a Broker config.
func ParseBroker(args []string) Broker {
	fs := flag.NewFlagSet("broker", flag.ExitOnError)
	role := fs.String("role", datastore.RolePrimary, "PRIMARY or BACKUP")
	peer := fs.String("peer", "", "host-or-ip of the peer replica")
	addr := fs.String("addr", getenv("BROKER_ADDR", ":5555"), "router endpoint to bind")
	semester := fs.String("semester", getenv("SEMESTER", datastore.DefaultSemester), "active semester")
	fs.Parse(args)
	return Broker{Role: *role, Peer: *peer, Addr: *addr, Semester: *semester}
}

// Gateway is the gateway process's CLI surface: `--faculty-id <int>
// --semester <str> --faculty-name <str> --port <int>`.
type Gateway struct {
	FacultyID   int64
	Semester    string
	FacultyName string
	Port        string
	BrokerAddrs []string
	Mode        string
}

// ParseGateway parses os.Args[1:] into a Gateway config. --brokers lists
// the primary and backup endpoints in preference order; --mode selects
// "canonical" (default) or "lb" for the per-transaction-connection
// variant.
func ParseGateway(args []string) Gateway {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	facultyID := fs.Int64("faculty-id", 1, "externally assigned faculty id")
	semester := fs.String("semester", getenv("SEMESTER", datastore.DefaultSemester), "active semester")
	facultyName := fs.String("faculty-name", "", "faculty display name")
	port := fs.String("port", getenv("PORT", "6000"), "program-facing port")
	brokers := fs.String("brokers", getenv("BROKER_ADDRS", "127.0.0.1:5555"), "comma-separated primary,backup broker addresses")
	mode := fs.String("mode", "canonical", "canonical or lb")
	fs.Parse(args)

	return Gateway{
		FacultyID:   *facultyID,
		Semester:    *semester,
		FacultyName: *facultyName,
		Port:        *port,
		BrokerAddrs: splitNonEmpty(*brokers),
		Mode:        *mode,
	}
}

// DerivedHBAddr maps a broker's allocation address to its heartbeat
// websocket address: same host, port+1. There is no separate discovery
// mechanism, so the gateway and the peer replica both need a fixed
// convention to find a broker's HB endpoint from its allocation address
// alone.
func DerivedHBAddr(routerAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(routerAddr)
	if err != nil {
		return "", fmt.Errorf("config: split router addr %q: %w", routerAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("config: router port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
