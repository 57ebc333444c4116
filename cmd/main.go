package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shadowguard/shadowguard"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to config file (default: search ./shadowguard.yaml, ~/.shadowguard, /etc/shadowguard)")
		genConfig      = flag.Bool("gen-config", false, "generate example config file and exit")
		exportCA       = flag.String("export-ca", "", "write the root certificate PEM to the given path and exit")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Println(shadowguard.DefaultBlockPageHTML)
		return
	}

	if *genConfig {
		if err := shadowguard.WriteExampleConfig("shadowguard.yaml"); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated shadowguard.yaml")
		return
	}

	cfg, err := shadowguard.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, logCloser, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, "build logger:", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	store, err := shadowguard.NewFileKeyStore(cfg.CA.StateDir)
	if err != nil {
		logger.Error("open key store", "error", err)
		os.Exit(1)
	}

	core, err := shadowguard.New(cfg, store, logger)
	if err != nil {
		logger.Error("initialize core", "error", err)
		os.Exit(1)
	}

	if *exportCA != "" {
		if err := core.CertAuthority().LoadOrCreateRoot(); err != nil {
			logger.Error("load root certificate", "error", err)
			os.Exit(1)
		}
		pem, err := core.CertAuthority().ExportRootPEM()
		if err != nil {
			logger.Error("export root certificate", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*exportCA, pem, 0644); err != nil {
			logger.Error("write root certificate", "error", err, "path", *exportCA)
			os.Exit(1)
		}
		fmt.Printf("Wrote root certificate to %s\n", *exportCA)
		fmt.Println("Install it in your system or browser trust store to enable interception.")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Start(ctx); err != nil {
		logger.Error("start core", "error", err)
		os.Exit(1)
	}

	reloader := shadowguard.WatchSIGHUP(core, logger)
	defer reloader.Cancel()

	logger.Info("shadowguard running",
		"proxy", core.Proxy().Addr(),
		"hint", "install the root certificate (admin API /api/v1/ca.pem or -export-ca) in your trust store")

	<-ctx.Done()
	logger.Info("shutting down")
	if err := core.Stop(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
