package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gaspardpetit/stagebridge/core/config"
	"github.com/gaspardpetit/stagebridge/core/logx"
	"github.com/gaspardpetit/stagebridge/core/options"
	"github.com/gaspardpetit/stagebridge/internal/behavior"
	"github.com/gaspardpetit/stagebridge/internal/stage"
	"github.com/gaspardpetit/stagebridge/sdk/api/bridge"
	"github.com/gaspardpetit/stagebridge/sdk/base/connector"
	"github.com/gaspardpetit/stagebridge/sdk/base/remote"
	"github.com/gaspardpetit/stagebridge/sdk/base/router"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const usage = `usage: stagectl [flags] <command> [args]

commands:
  describe                          print the remote stage description
  ship <name> <file.lua>            upload code unless the stage already has it
  create <code-ref> [id] [k=v ...]  create an actor from resident code
  find <ALL|ANY|EXACT> <pattern> [tester [arg]]
  send <actor> <text> [k=v ...]     send text with headers; replies are printed
`

// printerID names the local actor receiving replies and bounces.
const printerID = "stagectl"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "stagectl:", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	url       string
	clientKey string
	timeout   time.Duration
	wait      time.Duration
	logLevel  string
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stagectl", flag.ContinueOnError)
	var o cliFlags
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.StringVar(&o.url, "url", config.GetEnv("STAGE_URL", "ws://localhost:8080/api/bridge/connect"), "bridge endpoint of the target stage")
	fs.StringVar(&o.clientKey, "client-key", config.GetEnv("CLIENT_KEY", ""), "client key presented to the stage")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "per request timeout")
	fs.DurationVar(&o.wait, "wait", 2*time.Second, "how long send waits for replies")
	fs.StringVar(&o.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "warn"), "log verbosity")
	fs.Usage = func() {
		_, _ = fmt.Fprint(fs.Output(), usage, "\nflags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		_, _ = fmt.Fprintf(stdout, "stagectl version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return nil
	}
	logx.Configure(o.logLevel)
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	printed := make(chan string, 64)
	reg := behavior.NewRegistry()
	behavior.RegisterBuiltins(reg, func(_ string, from bridge.Ref, msg any) {
		if b, ok := msg.(bridge.Bounce); ok {
			printed <- fmt.Sprintf("bounced by %s (%s)", b.Recipient, b.Reason)
			return
		}
		printed <- fmt.Sprintf("%s: %v", from.ID, msg)
	})
	local := stage.New(stage.Options{Name: printerID, Behaviors: reg})
	defer local.Close()

	sel, err := connector.NewSelector(connector.KindWebSocket, connector.Options{ClientKey: o.clientKey})
	if err != nil {
		return err
	}
	neg, err := sel.Negotiator(o.url)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	snd, err := neg.Connect(cctx, local)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = snd.Disconnect() }()
	client := remote.New(snd, local.Codec())

	rctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	desc, err := client.Negotiate(rctx)
	if err != nil {
		return err
	}

	cmd, cargs := rest[0], rest[1:]
	switch cmd {
	case "describe":
		return printJSON(stdout, desc)
	case "ship":
		if len(cargs) != 2 {
			return errors.New("ship wants <name> <file>")
		}
		code, err := os.ReadFile(filepath.Clean(cargs[1]))
		if err != nil {
			return err
		}
		e := bridge.NewCodeEntry(cargs[0], code)
		sent, err := client.Ship(rctx, e)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(stdout, "%s %s uploaded=%t\n", e.Name, e.Hash, len(sent) > 0)
		return nil
	case "create":
		if len(cargs) < 1 {
			return errors.New("create wants <code-ref> [id] [k=v ...]")
		}
		if !options.Bool(desc.Capabilities, bridge.CapRemoteCreate, false) {
			return errors.New("stage does not accept remote actor creation")
		}
		ref, extra, id := cargs[0], cargs[1:], ""
		if len(extra) > 0 && !strings.Contains(extra[0], "=") {
			id, extra = extra[0], extra[1:]
		}
		role, err := pairs(extra)
		if err != nil {
			return err
		}
		got, err := client.CreateActor(rctx, id, ref, role)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(stdout, got)
		return nil
	case "find":
		if len(cargs) < 2 || len(cargs) > 4 {
			return errors.New("find wants <filter> <pattern> [tester [arg]]")
		}
		filter, err := router.ParseFilter(cargs[0])
		if err != nil {
			return err
		}
		var tester *bridge.Tester
		if len(cargs) > 2 {
			tester = &bridge.Tester{Name: cargs[2]}
			if len(cargs) > 3 {
				tester.Arg = cargs[3]
			}
		}
		ids, err := client.Find(rctx, filter, cargs[1], tester)
		if err != nil {
			return err
		}
		for _, id := range ids {
			_, _ = fmt.Fprintln(stdout, id)
		}
		return nil
	case "send":
		if len(cargs) < 2 {
			return errors.New("send wants <actor> <text> [k=v ...]")
		}
		headers, err := pairs(cargs[2:])
		if err != nil {
			return err
		}
		printer, _ := reg.Entry(behavior.Printer)
		if _, err := local.Create(ctx, printerID, printer, nil); err != nil {
			return err
		}
		to := bridge.Ref{Channel: connector.RemoteID(snd), ID: cargs[0]}
		if _, err := local.TellWithin(ctx, to, cargs[1], bridge.Ref{ID: printerID}, headers, o.timeout); err != nil {
			return err
		}
		deadline := time.NewTimer(o.wait)
		defer deadline.Stop()
		for {
			select {
			case line := <-printed:
				_, _ = fmt.Fprintln(stdout, line)
			case <-deadline.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func pairs(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
