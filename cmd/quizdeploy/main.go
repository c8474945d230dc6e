// Command quizdeploy builds and ships the quiz site and its Lambda.
//
//	quizdeploy [-config file] deploy [frontend|backend|full] [-skip-tests] [-force]
//	quizdeploy guard pre|post|emergency
//	quizdeploy watch [-interval 5m] | once | force
//	quizdeploy logs [-n 10]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var errUsage = errors.New("usage: quizdeploy [-config file] deploy|guard|watch|once|force|logs ...")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "quizdeploy:", err)
		os.Exit(1)
	}
}

// command is one parsed invocation.
type command struct {
	config string
	name   string
	mode   string // deploy mode or guard phase
	n      int

	skipTests bool
	force     bool
	interval  string
}

func parseArgs(args []string, stderr io.Writer) (command, error) {
	var c command
	fs := flag.NewFlagSet("quizdeploy", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.config, "config", "", "YAML config file (default $QUIZ_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return c, errUsage
	}
	c.name, rest = rest[0], rest[1:]

	sub := flag.NewFlagSet(c.name, flag.ContinueOnError)
	sub.SetOutput(stderr)
	switch c.name {
	case "deploy":
		sub.BoolVar(&c.skipTests, "skip-tests", false, "skip post-deploy validation")
		sub.BoolVar(&c.force, "force", false, "restore API routes left parked by an interrupted deploy")
	case "watch":
		sub.StringVar(&c.interval, "interval", "", "poll interval (default from config)")
	case "logs":
		sub.IntVar(&c.n, "n", 10, "number of records to show")
	case "guard", "once", "force":
	default:
		return c, fmt.Errorf("unknown command %q: %w", c.name, errUsage)
	}

	// the mode may come before or after the flags
	if len(rest) > 0 && rest[0] != "" && rest[0][0] != '-' {
		c.mode, rest = rest[0], rest[1:]
	}
	if err := sub.Parse(rest); err != nil {
		return c, err
	}
	if c.mode == "" && sub.NArg() > 0 {
		c.mode = sub.Arg(0)
	}
	if c.name == "guard" {
		switch c.mode {
		case "pre", "post", "emergency":
		default:
			return c, errors.New("usage: quizdeploy guard pre|post|emergency")
		}
	}
	return c, nil
}
