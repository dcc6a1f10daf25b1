package resolver

import (
	"bufio"
	"net"
	"os"
	"strings"
)

const resolvConfPath = "/etc/resolv.conf"

// SystemServers returns the nameservers listed in /etc/resolv.conf.
func SystemServers() ([]string, error) {
	return loadServers(resolvConfPath)
}

func loadServers(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	servers := []string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if strings.ToLower(fields[0]) == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return uniqueServers(servers), nil
}

func uniqueServers(servers []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, server := range servers {
		server = normalizeServer(strings.TrimSpace(server))
		if server == "" {
			continue
		}
		key := strings.ToLower(server)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, server)
	}
	return out
}

// normalizeServer adds the default DNS port and brackets IPv6 literals.
func normalizeServer(server string) string {
	if server == "" {
		return server
	}
	if strings.HasPrefix(server, "[") {
		if strings.Contains(server, "]:") {
			return server
		}
		return server + ":53"
	}
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	if strings.Contains(server, ":") {
		return "[" + server + "]:53"
	}
	return server + ":53"
}
