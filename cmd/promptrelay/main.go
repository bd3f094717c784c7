package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "generate", "gen":
		runGenerateCmd(ctx, args)
	case "chat":
		runChatCmd(ctx, args)
	case "models":
		runModelsCmd(ctx, args)
	case "test":
		runTestCmd(ctx, args)
	case "providers":
		runProvidersCmd(args)
	case "key":
		runKeyCmd(args)
	case "help", "-h", "--help":
		usage()
	default:
		usage()
		os.Exit(1)
	}
}

func runGenerateCmd(ctx context.Context, args []string) {
	fs := newFlagSet("generate")
	req := fs.generateFlags()
	fs.ParseArgs(args)

	prompt := strings.Join(fs.Args(), " ")
	if prompt == "" || prompt == "-" {
		data, err := io.ReadAll(os.Stdin)
		check(err)
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		fail("prompt required")
	}

	a := fs.app()
	defer closeApp(a)
	check(runGenerate(ctx, a, req.request(), prompt, os.Stdout))
}

func runChatCmd(ctx context.Context, args []string) {
	fs := newFlagSet("chat")
	req := fs.generateFlags()
	session := fs.String("session", "", "resume a session by id")
	fs.ParseArgs(args)

	a := fs.app()
	defer closeApp(a)
	if !a.cfg.History.Enabled {
		fail("chat requires history.enabled in the config")
	}
	check(runChat(ctx, a, chatRequest{generateRequest: req.request(), session: *session}, os.Stdin, os.Stdout))
}

func runModelsCmd(ctx context.Context, args []string) {
	fs := newFlagSet("models")
	provider := fs.String("provider", "", "provider name (default: default_provider)")
	fs.ParseArgs(args)

	a := fs.app()
	defer closeApp(a)
	check(runModels(ctx, a, *provider, os.Stdout))
}

func runTestCmd(ctx context.Context, args []string) {
	fs := newFlagSet("test")
	provider := fs.String("provider", "", "test only this provider")
	fs.ParseArgs(args)

	a := fs.app()
	defer closeApp(a)
	check(runTest(ctx, a, *provider, os.Stdout))
}

func runProvidersCmd(args []string) {
	fs := newFlagSet("providers")
	fs.ParseArgs(args)

	a := fs.app()
	defer closeApp(a)
	check(runProviders(a, os.Stdout))
}

func runKeyCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "set":
		fs := newFlagSet("key set")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("provider name required")
		}
		key := fs.Arg(1)
		if key == "" {
			data, err := io.ReadAll(os.Stdin)
			check(err)
			key = strings.TrimSpace(string(data))
		}
		if key == "" {
			fail("key required (argument or stdin)")
		}
		a := fs.app()
		defer closeApp(a)
		check(a.setKey(fs.Arg(0), key))
	case "delete":
		fs := newFlagSet("key delete")
		fs.ParseArgs(args[1:])
		if fs.NArg() < 1 {
			fail("provider name required")
		}
		a := fs.app()
		defer closeApp(a)
		check(a.deleteKey(fs.Arg(0)))
	default:
		usage()
		os.Exit(1)
	}
}

type flagSet struct {
	*flag.FlagSet
	config  *string
	verbose *bool
}

func newFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfg := fs.String("config", "", "config file (default $PROMPTRELAY_CONFIG or ~/.promptrelay/config.json)")
	verbose := fs.Bool("v", false, "log provider lifecycle events")
	return &flagSet{FlagSet: fs, config: cfg, verbose: verbose}
}

func (fs *flagSet) ParseArgs(args []string) {
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
	}
}

func (fs *flagSet) app() *app {
	a, err := newApp(appOptions{configPath: *fs.config, verbose: *fs.verbose})
	check(err)
	return a
}

type generateFlags struct {
	provider    *string
	model       *string
	system      *string
	maxTokens   *int
	temperature optionalFloat
	stream      *bool
	noFallback  *bool
}

func (fs *flagSet) generateFlags() *generateFlags {
	g := &generateFlags{
		provider:   fs.String("provider", "", "provider name (default: default_provider)"),
		model:      fs.String("model", "", "model id (default: provider's configured model)"),
		system:     fs.String("system", "", "system prompt"),
		maxTokens:  fs.Int("max-tokens", 0, "maximum output tokens"),
		stream:     fs.Bool("stream", false, "print output as it is generated"),
		noFallback: fs.Bool("no-fallback", false, "fail instead of walking the fallback chain"),
	}
	fs.Var(&g.temperature, "temperature", "sampling temperature (0-2)")
	return g
}

func (g *generateFlags) request() generateRequest {
	return generateRequest{
		provider:    *g.provider,
		model:       *g.model,
		system:      *g.system,
		maxTokens:   *g.maxTokens,
		temperature: g.temperature.v,
		stream:      *g.stream,
		fallback:    !*g.noFallback,
	}
}

// optionalFloat is a float flag that stays nil unless set.
type optionalFloat struct{ v *float64 }

func (o *optionalFloat) String() string {
	if o == nil || o.v == nil {
		return ""
	}
	return strconv.FormatFloat(*o.v, 'g', -1, 64)
}

func (o *optionalFloat) Set(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	o.v = &f
	return nil
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.close(ctx)
}

func usage() {
	fmt.Print(`promptrelay - send prompts to interchangeable LLM providers

Usage:
  promptrelay generate [--provider name] [--model id] [--system text] [--max-tokens n]
                       [--temperature t] [--stream] [--no-fallback] <prompt|->
  promptrelay chat [--provider name] [--session id] [--stream]
  promptrelay models [--provider name]
  promptrelay test [--provider name]
  promptrelay providers
  promptrelay key set <provider> [key|stdin]
  promptrelay key delete <provider>

Every command accepts --config <file> and -v.
`)
}

func check(err error) {
	if err != nil {
		fail(err.Error())
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
