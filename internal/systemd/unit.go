// Package systemd renders the unit file for running autoremedy serve as a
// system service.
package systemd

import (
	"fmt"
	"strings"
)

// UnitOptions fill the service unit.
type UnitOptions struct {
	Binary     string
	ConfigPath string
	User       string
}

// Unit returns the autoremedy.service unit. Scripts run as the service
// user, so the unit keeps the home directory writable but protects the
// rest of the system.
func Unit(opts UnitOptions) string {
	if opts.Binary == "" {
		opts.Binary = "/usr/local/bin/autoremedy"
	}
	var b strings.Builder
	b.WriteString(`[Unit]
Description=autoremedy alert-to-action automation engine
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
`)
	if opts.User != "" {
		fmt.Fprintf(&b, "User=%s\n", opts.User)
	}
	exec := opts.Binary + " serve"
	if opts.ConfigPath != "" {
		exec += " --config " + opts.ConfigPath
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", exec)
	b.WriteString(`Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=full

[Install]
WantedBy=multi-user.target
`)
	return b.String()
}
