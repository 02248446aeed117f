// kannader is an SMTP relay server built around a pluggable, sandboxed
// policy plane and a crash-safe on-disk queue.
//
// This binary is deliberately thin: command-line parsing, logging and
// monitoring wiring, and loading the reference policy's configuration.
// The engineering lives in internal/server, internal/queue and
// internal/policy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	docopt "github.com/docopt/docopt-go"

	"kannader.org/kannader/internal/domaininfo"
	"kannader.org/kannader/internal/maillog"
	"kannader.org/kannader/internal/policy"
	"kannader.org/kannader/internal/queue"
	"kannader.org/kannader/internal/server"
	"kannader.org/kannader/internal/sts"
)

const usage = `kannader: an SMTP relay server.

Usage:
  kannader --listen=<addr> --queue=<path> --policy-config=<path> [--policy=<path>] [-v] [--monitoring_address=<addr>]
  kannader --version

Options:
  --listen=<addr>              Address to accept SMTP connections on.
  --queue=<path>               Path to the on-disk message queue.
  --policy-config=<path>       Configuration path for the policy in use.
  --policy=<path>              Path to an external policy blob. If not
                                given, the in-tree native reference
                                policy is used instead.
  -v, --verbose                Verbose logging.
  --monitoring_address=<addr>  Address for the HTTP monitoring/debug
                                endpoints. If empty, monitoring is off.
`

// Exit codes, per the CLI surface contract.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitIOError       = 2
	exitPolicyLoadErr = 3
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	log.Init()
	log.Infof("kannader starting")

	if v, _ := opts.Bool("--version"); v {
		fmt.Println(version())
		return exitOK
	}

	listenAddr, _ := opts.String("--listen")
	queuePath, _ := opts.String("--queue")
	policyConfigPath, _ := opts.String("--policy-config")
	blobPath, _ := opts.String("--policy")
	monitoringAddr, _ := opts.String("--monitoring_address")

	cfg, err := loadPolicyConfig(policyConfigPath)
	if err != nil {
		log.Errorf("%v", err)
		return exitConfigError
	}

	initMailLog(cfg.DataDir + "/kannader.maillog")
	go signalHandler()

	pool, dinfo, stsCache, err := loadPolicy(cfg, blobPath, policyConfigPath)
	if err != nil {
		log.Errorf("loading policy: %v", err)
		return exitPolicyLoadErr
	}

	if dinfo != nil && stsCache != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go stsCache.PeriodicallyRefresh(ctx)
	}

	r := buildRelay(cfg, dinfo, stsCache)

	if err := os.MkdirAll(queuePath, 0700); err != nil {
		log.Errorf("creating queue dir: %v", err)
		return exitIOError
	}
	q, err := queue.New(queuePath, pool, r)
	if err != nil {
		log.Errorf("opening queue: %v", err)
		return exitIOError
	}
	if err := q.Load(); err != nil {
		log.Errorf("loading queue: %v", err)
		return exitIOError
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	srv := server.NewServer()
	srv.Hostname = cfg.Hostname
	srv.MaxDataSize = cfg.MaxDataSizeMB * 1024 * 1024
	srv.HAProxyEnabled = cfg.HAProxyIncoming
	srv.CommandTimeout = cfg.CommandTimeout
	srv.Policies = pool
	srv.Queue = q

	if err := loadCerts(srv, cfg.CertsDir); err != nil {
		log.Errorf("loading certificates: %v", err)
		return exitConfigError
	}

	if listenAddr == "systemd" {
		ls, err := systemd.Listeners()
		if err != nil {
			log.Errorf("getting systemd listeners: %v", err)
			return exitIOError
		}
		srv.AddListeners(ls["smtp"], server.ModePlain)
	} else {
		srv.AddAddr(listenAddr, server.ModePlain)
	}

	if monitoringAddr != "" {
		go launchMonitoringServer(monitoringAddr, cfg)
	}

	srv.ListenAndServe()
	return exitOK
}

// loadPolicy returns a ready Pool: either a pool of process-sandboxed
// instances (if --policy gives an external blob), or a single native,
// in-tree reference policy instance. dinfo/stsCache are returned
// separately (in both cases) because they're also needed to build the
// outgoing relay courier, not just the policy.
func loadPolicy(cfg *policyConfig, blobPath, policyConfigPath string) (*policy.Pool, *domaininfo.DB, *sts.PolicyCache, error) {
	if blobPath != "" {
		pool, err := startProcessPolicy(blobPath, policyConfigPath)
		if err != nil {
			return nil, nil, nil, err
		}
		// The process-sandboxed blob owns its own domain-info/STS state;
		// the core's relay courier still needs somewhere to track
		// security-level ratchets and cache STS policies for outgoing
		// mail, so it gets its own instances under the same data dir.
		dinfo, err := domaininfo.New(cfg.DataDir + "/domaininfo")
		if err != nil {
			return nil, nil, nil, err
		}
		stsCache, err := sts.NewCache(cfg.DataDir + "/sts-cache")
		if err != nil {
			return nil, nil, nil, err
		}
		return pool, dinfo, stsCache, nil
	}

	p, dinfo, stsCache, err := buildNativePolicy(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return policy.NewPool([]policy.Instance{p}), dinfo, stsCache, nil
}

// loadCerts loads every "certs/<domain>/{fullchain,privkey}.pem" pair it
// finds, mirroring chasquid.go's own certs/ directory convention.
func loadCerts(srv *server.Server, certsDir string) error {
	entries, err := os.ReadDir(certsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, e := range entries {
		dir := filepath.Join(certsDir, e.Name())
		certPath := filepath.Join(dir, "fullchain.pem")
		keyPath := filepath.Join(dir, "privkey.pem")

		if _, err := os.Stat(certPath); os.IsNotExist(err) {
			continue
		}
		if _, err := os.Stat(keyPath); os.IsNotExist(err) {
			continue
		}

		log.Infof("  loading cert for %s", e.Name())
		if err := srv.AddCerts(certPath, keyPath); err != nil {
			return fmt.Errorf("%s: %w", e.Name(), err)
		}
	}

	return nil
}

func initMailLog(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0775); err != nil {
		log.Errorf("creating maillog dir: %v", err)
	}

	var err error
	maillog.Default, err = maillog.NewFile(path)
	if err != nil {
		log.Fatalf("opening mail log: %v", err)
	}
}

func signalHandler() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("reopening log: %v", err)
			}
			if err := maillog.Default.Reopen(); err != nil {
				log.Fatalf("reopening maillog: %v", err)
			}
		default:
			log.Errorf("unexpected signal %v", sig)
		}
	}
}

func version() string {
	return "kannader (development build)"
}
