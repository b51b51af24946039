package orchestrator

import "strings"

// generateMySQLConfig renders the auth-plugin policy applied to every
// managed MySQL engine (spec §4.4), following the teacher's
// strings.Builder idiom for config-file generation.
func generateMySQLConfig() string {
	var b strings.Builder
	b.WriteString("[mysqld]\n")
	b.WriteString("default_authentication_plugin=mysql_native_password\n")
	b.WriteString("skip_name_resolve\n")
	b.WriteString("bind-address=0.0.0.0\n")
	return b.String()
}

// generatePostgresConfig renders the listen/logging policy applied to
// every managed Postgres engine (spec §4.4).
func generatePostgresConfig() string {
	var b strings.Builder
	b.WriteString("listen_addresses = '*'\n")
	b.WriteString("max_connections = 100\n")
	b.WriteString("shared_buffers = 128MB\n")
	b.WriteString("log_min_duration_statement = 500\n")
	return b.String()
}

// generateMemoryEngineConfig renders the in-memory engine's bind setting and
// one ACL user per declared username with access to all keys, channels and
// commands. No password is set for these users, and the default user is
// left as the engine configures it.
func generateMemoryEngineConfig(usernames []string) string {
	var b strings.Builder
	b.WriteString("bind 0.0.0.0\n")
	b.WriteString("protected-mode yes\n")
	for _, u := range usernames {
		b.WriteString("user ")
		b.WriteString(u)
		b.WriteString(" on ~* &* +@all\n")
	}
	return b.String()
}
