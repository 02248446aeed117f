package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"blitiri.com.ar/go/log"

	"kannader.org/kannader/internal/auth"
	"kannader.org/kannader/internal/courier"
	"kannader.org/kannader/internal/dkim"
	"kannader.org/kannader/internal/domaininfo"
	"kannader.org/kannader/internal/dovecot"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/policy/native"
	"kannader.org/kannader/internal/policy/process"
	"kannader.org/kannader/internal/relay"
	"kannader.org/kannader/internal/sts"
	"kannader.org/kannader/internal/userdb"
)

// buildNativePolicy wires the in-tree reference policy from a
// policyConfig, the way chasquid.go's main wires its smtpsrv.Server
// directly from its own config.Config: per-domain users and aliases, auth
// fallback, and the domain-info/DKIM side channels the
// policy needs at mail_from/data_end time.
func buildNativePolicy(cfg *policyConfig) (*native.Policy, *domaininfo.DB, *sts.PolicyCache, error) {
	p := native.New(cfg.Hostname, cfg.MaxDataSizeMB*1024*1024)
	p.GiveUpAfterAttempts = cfg.GiveUpAfterAttempts

	// Always treat localhost as local, mirroring chasquid's own
	// defensive default (avoids accidentally relaying to ourselves).
	p.LocalDomains.Add("localhost")

	for domain, dc := range cfg.Domains {
		log.Infof("  domain %s", domain)
		p.LocalDomains.Add(domain)
		p.AliasesR.AddDomain(domain)

		if dc.Users != "" {
			udb, err := userdb.Load(dc.Users)
			if err != nil {
				log.Errorf("    loading userdb for %s: %v", domain, err)
			} else {
				p.Authr.Register(domain, auth.WrapNoErrorBackend(udb))
			}
		}

		if dc.Aliases != "" {
			if err := p.AliasesR.AddAliasesFile(domain, dc.Aliases); err != nil {
				log.Errorf("    loading aliases for %s: %v", domain, err)
			}
		}

		if signer, err := loadDKIMSigner(cfg.CertsDir, domain); err == nil {
			p.DKIMSigners[domain] = signer
		}
	}

	if cfg.DovecotAuth {
		// Every domain falls back to the same dovecot instance, as in
		// chasquid's SetAuthFallback: dovecot.Auth already satisfies
		// auth.Backend directly.
		a := dovecot.NewAuth(cfg.DovecotUserdbPath, cfg.DovecotClientPath)
		p.Authr.Fallback = a
		if err := a.Check(); err != nil {
			log.Errorf("dovecot authenticator check failed: %v", err)
		}
	}

	dinfo, err := domaininfo.New(cfg.DataDir + "/domaininfo")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening domaininfo db: %w", err)
	}
	p.Dinfo = dinfo

	stsCache, err := sts.NewCache(cfg.DataDir + "/sts-cache")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening sts cache: %w", err)
	}

	return p, dinfo, stsCache, nil
}

// loadDKIMSigner looks for a "dkim:<selector>.pem" file under
// certsDir/<domain>/, following chasquid-util's own naming convention for
// generated DKIM keys, and returns a ready Signer for the first one found.
func loadDKIMSigner(certsDir, domain string) (*dkim.Signer, error) {
	glob := filepath.Join(certsDir, domain, "dkim:*.pem")
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no DKIM key found for %s", domain)
	}

	base := filepath.Base(matches[0])
	selector := strings.TrimSuffix(strings.TrimPrefix(base, "dkim:"), ".pem")

	key, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, fmt.Errorf("%s: not a PEM file", matches[0])
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", matches[0], err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%s: key type does not support signing", matches[0])
	}

	return &dkim.Signer{Domain: domain, Selector: selector, Signer: signer}, nil
}

// buildRelay assembles the local-delivery/remote-relay Courier pair into a
// single relay.Relay the queue can hold, routed by the reference policy's
// own notion of which domains are local.
func buildRelay(cfg *policyConfig, dinfo *domaininfo.DB, stsCache *sts.PolicyCache) *relay.Relay {
	localC := &courier.MDA{
		Binary:  cfg.MailDeliveryAgentBin,
		Args:    cfg.MailDeliveryAgentArgs,
		Timeout: 30 * time.Second,
	}
	remoteC := &courier.SMTP{
		HelloDomain: cfg.Hostname,
		Dinfo:       dinfo,
		STSCache:    stsCache,
	}

	domains := map[string]bool{}
	for domain := range cfg.Domains {
		domains[domain] = true
	}
	domains["localhost"] = true

	router := &courier.Router{
		Local:        localC,
		Remote:       remoteC,
		LocalDomains: domains,
	}

	return relay.New(router)
}

// startProcessPolicy starts a pool of process-sandboxed policy instances
// from an external blob, one per worker, mirroring native's "pool of
// fungible instances" contract without requiring the blob itself to be
// internally concurrent.
const processPoolSize = 4

func startProcessPolicy(blobPath, configPath string) (*policy.Pool, error) {
	instances := make([]policy.Instance, 0, processPoolSize)
	for i := 0; i < processPoolSize; i++ {
		inst, err := startProcessInstance(blobPath, configPath)
		if err != nil {
			for _, started := range instances {
				started.Close()
			}
			return nil, err
		}
		instances = append(instances, inst)
	}
	return policy.NewPool(instances), nil
}

func startProcessInstance(blobPath, configPath string) (*process.Instance, error) {
	return process.Start(context.Background(), process.Config{
		BlobPath:   blobPath,
		ConfigPath: configPath,
	})
}
