package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// BuildConnectionString builds a go-mssqldb URL connection string from its parts
func BuildConnectionString(host string, port int, user, password, database string) string {
	u := &url.URL{
		Scheme: "sqlserver",
		Host:   host,
	}
	if port > 0 {
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if user != "" {
		u.User = url.UserPassword(user, password)
	}
	if database != "" {
		q := url.Values{}
		q.Set("database", database)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ExtractServerNameFromConnectionString extracts the server name from a URL or ADO style
// connection string. Localhost and IP addresses are replaced by the machine's hostname so
// lock names stay unique per server.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	host := ""
	if strings.Contains(connectionString, "://") {
		u, err := url.Parse(connectionString)
		if err != nil {
			return "", fmt.Errorf("failed to parse connection string: %w", err)
		}
		host = u.Hostname()
	} else {
		host = adoServer(connectionString)
	}

	serverName := strings.Split(host, ".")[0]
	if isIPAddress(host) || strings.EqualFold(serverName, "localhost") {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		serverName = hostname
	}
	if serverName == "" {
		return "", fmt.Errorf("server name not found in connection string")
	}

	return strings.ToLower(serverName), nil
}

// adoServer returns the host part of a "server=host,port;..." connection string
func adoServer(connectionString string) string {
	for _, part := range strings.Split(connectionString, ";") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "server", "data source", "address", "addr":
			server := strings.TrimSpace(kv[1])
			server = strings.TrimPrefix(server, "tcp:")
			if idx := strings.IndexAny(server, ",\\"); idx != -1 {
				server = server[:idx]
			}
			if h, _, err := net.SplitHostPort(server); err == nil {
				server = h
			}
			return server
		}
	}
	return ""
}

// isIPAddress checks if a string is an IP address
func isIPAddress(host string) bool {
	return net.ParseIP(host) != nil
}
