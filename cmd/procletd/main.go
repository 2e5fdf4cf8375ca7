// Command procletd is the process bootstrap for a single proclet runtime
// node: parse flags, load the HCL config file, wire up a runtime.Runtime,
// and run until signalled.
package main

import (
	"context"
	"crypto/md5"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/run"

	"github.com/proclet-systems/procletd/internal/config"
	"github.com/proclet-systems/procletd/internal/controller"
	"github.com/proclet-systems/procletd/runtime"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	var (
		configPath     string
		lpidHint       uint64
		ip             string
		hostController bool
	)
	flags := flag.NewFlagSet("procletd", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to the HCL config file")
	flags.Uint64Var(&lpidHint, "lpid", 0, "lpid hint, overrides the config file's lpid_hint if nonzero")
	flags.StringVar(&ip, "ip", "", "bind IP, overrides the config file's bind_ip if set")
	flags.BoolVar(&hostController, "host-controller", false, "host the cluster controller in this process")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "procletd: -config is required")
		return 1
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "procletd",
		Level: hclog.Info,
	})

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Error("failed to load config", "path", configPath, "error", err)
		return 1
	}
	if lpidHint != 0 {
		cfg.LpidHint = lpidHint
	}
	if ip != "" {
		cfg.BindIP = ip
	}

	opts := runtime.Options{
		Config:   cfg,
		Log:      log,
		BuildMD5: buildFingerprint(),
	}
	if hostController {
		opts.Controller = controller.New(log, nil)
	}

	rt, err := runtime.New(opts)
	if err != nil {
		log.Error("failed to initialize runtime", "error", err)
		return 1
	}
	log.Info("runtime initialized", "lpid", rt.Lpid(), "self_addr", rt.SelfAddr().String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return rt.Run(ctx)
	}, func(error) {
		cancel()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	g.Add(func() error {
		select {
		case sig := <-sigCh:
			log.Info("received signal, shutting down", "signal", sig.String())
		case <-ctx.Done():
		}
		return nil
	}, func(error) {
		signal.Stop(sigCh)
	})

	runErr := g.Run()

	if err := rt.Shutdown(); err != nil {
		log.Error("error during shutdown", "error", err)
		return 1
	}
	if runErr != nil && runErr != context.Canceled {
		log.Error("runtime exited with error", "error", runErr)
		return 1
	}
	log.Info("shutdown complete")
	return 0
}

// buildFingerprint derives register_node's cross-build mingling check
// from the running binary's module build info, falling back
// to a zero fingerprint when build info isn't embedded, e.g. when built
// without module mode. The controller compares a zero fingerprint like any
// other, so such a node only joins an lpid whose nodes also report zero.
func buildFingerprint() [16]byte {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return [16]byte{}
	}
	return md5.Sum([]byte(info.Main.Version + info.Main.Sum))
}
