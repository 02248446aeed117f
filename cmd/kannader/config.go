package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// domainConfig describes one locally-served domain: where its user
// database and aliases file live. The paths are used as given, so relative
// paths resolve against the process's working directory.
type domainConfig struct {
	Users   string `yaml:"users"`
	Aliases string `yaml:"aliases"`
}

// policyConfig is the configuration of the in-tree native reference
// policy (internal/policy/native), loaded from the path given by the
// CLI's --policy-config flag. It plays the role chasquid's own
// chasquid.conf plays for the equivalent fields, but in YAML rather than
// prototext, since this expansion owns the reference policy outright
// (see DESIGN.md).
type policyConfig struct {
	Hostname      string                  `yaml:"hostname"`
	MaxDataSizeMB int64                   `yaml:"max_data_size_mb"`
	DataDir       string                  `yaml:"data_dir"`
	CertsDir      string                  `yaml:"certs_dir"`
	Domains       map[string]domainConfig `yaml:"domains"`

	GiveUpAfterAttempts int64 `yaml:"give_up_after_attempts"`

	DovecotAuth       bool   `yaml:"dovecot_auth"`
	DovecotUserdbPath string `yaml:"dovecot_userdb_path"`
	DovecotClientPath string `yaml:"dovecot_client_path"`

	HAProxyIncoming bool `yaml:"haproxy_incoming"`

	MailDeliveryAgentBin  string   `yaml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `yaml:"mail_delivery_agent_args"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
}

var defaultPolicyConfig = policyConfig{
	MaxDataSizeMB: 50,
	DataDir:       "/var/lib/kannader",
	CertsDir:      "certs",

	GiveUpAfterAttempts: 8,

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	CommandTimeout: 1 * time.Minute,
}

// loadPolicyConfig reads and parses the reference policy's YAML
// configuration file, applying defaults for anything left unset.
func loadPolicyConfig(path string) (*policyConfig, error) {
	cfg := defaultPolicyConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing policy config %q: %w", path, err)
	}

	if cfg.Hostname == "" {
		cfg.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %w", err)
		}
	}

	return &cfg, nil
}
