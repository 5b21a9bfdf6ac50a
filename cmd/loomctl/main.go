// Command loomctl runs a program against a live registry adapter and
// prints the add/remove timeline to stdout, one line per event.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	loom "github.com/matgreaves/loom"
	"github.com/matgreaves/loom/adapter/dockerreg"
	"github.com/matgreaves/loom/adapter/pgreg"
	"github.com/matgreaves/loom/connect"
	"github.com/matgreaves/loom/registry"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "watch":
		if err := runWatch(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomctl watch: %v\n", err)
			os.Exit(1)
		}
	case "watch-config":
		if err := runWatchConfig(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "loomctl watch-config: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "loomctl: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: loomctl <command> [flags]

Commands:
  watch -type <serviceType>   Track a service type against dockerreg and
                               print add/remove events as they occur.
  watch-config -pid <pid>     Track a configuration pid against pgreg,
                               resolving the "db" egress from
                               LOOM_WIRING, and print each delivered
                               dictionary.

Run 'loomctl <command> --help' for command-specific flags.
`)
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serviceType := fs.String("type", "", "service type to track (container label loom.service value)")
	filter := fs.String("filter", os.Getenv("LOOMCTL_FILTER"), "additional filter expression (passed to the registry; dockerreg does not apply it)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serviceType == "" {
		return fmt.Errorf("-type is required")
	}

	cli, err := dockerreg.Client()
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	reg := dockerreg.New(cli)

	program := loom.FlatMap(
		loom.ServiceReferences(*serviceType, *filter),
		func(ref registry.ServiceReference) loom.Program[string] {
			return loom.Just(ref.ID)
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := loom.Run(&loom.Context{Go: ctx, Registry: reg}, program)
	if err != nil {
		return fmt.Errorf("start program: %w", err)
	}
	defer result.Close()

	result.Added.Subscribe(func(t loom.Token[string]) {
		fmt.Printf("%s  added    %s\n", time.Now().UTC().Format(time.RFC3339), t.Value)
	})
	result.Removed.Subscribe(func(t loom.Token[string]) {
		fmt.Printf("%s  removed  %s\n", time.Now().UTC().Format(time.RFC3339), t.Value)
	})

	<-ctx.Done()
	return nil
}

func runWatchConfig(args []string) error {
	fs := flag.NewFlagSet("watch-config", flag.ExitOnError)
	pid := fs.String("pid", "", "configuration pid to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pid == "" {
		return fmt.Errorf("-pid is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.New(connect.LogWriter(ctx), "loomctl: ", log.LstdFlags)

	wiring, err := connect.ParseWiring(ctx)
	if err != nil {
		return fmt.Errorf("parse wiring: %w", err)
	}
	ep := wiring.Egress("db")

	pool, err := pgreg.Connect(ctx, ep)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	program := loom.Configuration(*pid)

	result, err := loom.Run(&loom.Context{Go: ctx, Registry: pgreg.New(pool)}, program)
	if err != nil {
		return fmt.Errorf("start program: %w", err)
	}
	defer result.Close()

	result.Added.Subscribe(func(t loom.Token[map[string]any]) {
		logger.Printf("updated %v", t.Value)
	})
	result.Removed.Subscribe(func(t loom.Token[map[string]any]) {
		logger.Printf("stale %v", t.Value)
	})

	<-ctx.Done()
	return nil
}
