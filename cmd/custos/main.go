package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/semmidev/custos/internal/app"
	"github.com/semmidev/custos/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	configPath := flag.StringP("config", "c", "configs/custos.yaml", "path to config file")
	adminAddr := flag.String("admin-addr", "", "send the remaining arguments as one admin command to this server and exit")
	timeout := flag.Duration("timeout", 0, "client mode: give up after this long (0 waits forever)")
	// admin commands carry their own dash options, e.g. backup -STATUS
	flag.CommandLine.SetInterspersed(false)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *adminAddr != "" {
		if flag.NArg() == 0 {
			return fmt.Errorf("client mode needs a command, e.g. custos --admin-addr %s backup -STATUS", *adminAddr)
		}
		if *timeout > 0 {
			var c context.CancelFunc
			ctx, c = context.WithTimeout(ctx, *timeout)
			defer c()
		}
		return app.SendCommand(ctx, http.DefaultClient, *adminAddr, joinArgs(flag.Args()), os.Stdout)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Shutdown()

	return application.Run(ctx)
}

// joinArgs rebuilds the command line, quoting values the shell unquoted.
func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		if !strings.ContainsAny(arg, " \t") {
			quoted[i] = arg
			continue
		}
		if k, v, ok := strings.Cut(arg, "="); ok {
			quoted[i] = k + `="` + v + `"`
		} else {
			quoted[i] = `"` + arg + `"`
		}
	}
	return strings.Join(quoted, " ")
}
