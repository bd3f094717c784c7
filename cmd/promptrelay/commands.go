package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"promptrelay/internal/llm"
	"promptrelay/internal/memory"
)

type generateRequest struct {
	provider    string
	model       string
	system      string
	maxTokens   int
	temperature *float64
	stream      bool
	fallback    bool
}

func (r generateRequest) options() llm.GenerateOptions {
	return llm.GenerateOptions{
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
		Stream:      r.stream,
	}
}

// userError renders the user-facing sentence of a classified failure.
func userError(err error) error {
	var llmErr *llm.LLMError
	if errors.As(err, &llmErr) && llmErr.Message != "" {
		return errors.New(llmErr.Message)
	}
	return err
}

// runGenerate sends one prompt and writes the completion to out.
func runGenerate(ctx context.Context, a *app, req generateRequest, prompt string, out io.Writer) error {
	p, err := a.resolve(ctx, req.provider, req.fallback)
	if err != nil {
		return userError(err)
	}

	opts := req.options()
	sanitized := a.sanitizer.Sanitize(prompt)
	if req.system != "" {
		opts.Messages = []llm.Message{
			{Role: "system", Content: a.sanitizer.Sanitize(req.system)},
			{Role: "user", Content: sanitized},
		}
	}

	text, err := generate(ctx, a, p, sanitized, opts, out)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(out)
	}
	return nil
}

// generate runs one call and writes the restored text to out as it arrives.
func generate(ctx context.Context, a *app, p llm.Provider, prompt string, opts llm.GenerateOptions, out io.Writer) (string, error) {
	gen, err := p.Generate(ctx, prompt, opts)
	if err != nil {
		return "", userError(err)
	}
	w := newRestoringWriter(out, a.sanitizer)
	if gen.Stream == nil {
		if err := w.WriteString(gen.Text); err != nil {
			return "", err
		}
		if err := w.Flush(); err != nil {
			return "", err
		}
		return w.Text(), nil
	}

	defer gen.Stream.Close()
	for gen.Stream.Next() {
		if err := w.WriteString(gen.Stream.Current()); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	if err := gen.Stream.Err(); err != nil {
		return w.Text(), userError(err)
	}
	return w.Text(), nil
}

type chatRequest struct {
	generateRequest
	session string
}

// runChat reads one user turn per line from in. History is kept in SQLite and
// replayed as the message list on every turn. "/exit" ends the session and
// "/clear" deletes it and starts a new one.
func runChat(ctx context.Context, a *app, req chatRequest, in io.Reader, out io.Writer) error {
	mem, err := a.history()
	if err != nil {
		return err
	}
	p, err := a.resolve(ctx, req.provider, req.fallback)
	if err != nil {
		return userError(err)
	}

	session := req.session
	if session == "" {
		if session, err = mem.NewSession(ctx, p.Name(), firstNonEmpty(req.model, p.DefaultModel())); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "session %s (%s)\n", session, p.DisplayName())

	limit := a.cfg.History.Limit
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := mem.Clear(ctx, session); err != nil && !errors.Is(err, memory.ErrUnknownSession) {
				return err
			}
			a.sanitizer.Reset()
			if session, err = mem.NewSession(ctx, p.Name(), firstNonEmpty(req.model, p.DefaultModel())); err != nil {
				return err
			}
			fmt.Fprintf(out, "session %s\n", session)
			continue
		}

		if err := chatTurn(ctx, a, mem, p, req, session, limit, line, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

func chatTurn(ctx context.Context, a *app, mem memory.Memory, p llm.Provider, req chatRequest, session string, limit int, line string, out io.Writer) error {
	user := llm.Message{Role: "user", Content: line}
	if err := mem.SaveMessage(ctx, session, user); err != nil {
		return err
	}
	history, err := mem.GetHistory(ctx, session, limit)
	if err != nil {
		return err
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	if req.system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: a.sanitizer.Sanitize(req.system)})
	}
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: a.sanitizer.Sanitize(m.Content)})
	}
	opts := req.options()
	opts.Messages = msgs

	reply, err := generate(ctx, a, p, "", opts, out)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	return mem.SaveMessage(ctx, session, llm.Message{Role: "assistant", Content: reply})
}

// runModels prints the models of one provider. Authentication failures fall
// back to the adapter's static list.
func runModels(ctx context.Context, a *app, provider string, out io.Writer) error {
	if provider == "" {
		provider = a.registry.Default()
	}
	cfg := a.configSet()[provider]
	p, err := a.registry.Resolve(provider, cfg)
	if err != nil {
		return err
	}
	if !p.IsAuthenticated() {
		if err := p.Authenticate(ctx, cfg); err != nil {
			fmt.Fprintf(out, "# %s: %v (showing built-in list)\n", provider, userError(err))
		}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tNAME\tCONTEXT")
	for _, m := range p.ListModels(ctx) {
		window := "-"
		if m.ContextWindow > 0 {
			window = fmt.Sprint(m.ContextWindow)
		}
		marker := ""
		if m.ID == p.DefaultModel() {
			marker = " *"
		}
		fmt.Fprintf(tw, "%s%s\t%s\t%s\n", m.ID, marker, m.Name, window)
	}
	return tw.Flush()
}

// runTest checks one provider, or every registered one when provider is empty.
// It returns an error when any check failed.
func runTest(ctx context.Context, a *app, provider string, out io.Writer) error {
	set := a.configSet()
	var results map[string]llm.TestResult
	if provider != "" {
		p, err := a.registry.Resolve(provider, set[provider])
		if err != nil {
			return err
		}
		results = map[string]llm.TestResult{provider: p.TestConnection(ctx, set[provider])}
	} else {
		results = a.registry.TestAll(ctx, set)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tSTATUS\tLATENCY\tDETAIL")
	for _, name := range names {
		r := results[name]
		status, detail := "ok", r.Sample
		if !r.Success {
			status, detail = "FAIL", r.Message
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, status, r.Latency.Round(time.Millisecond), oneLine(detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d providers failed", failed, len(names))
	}
	return nil
}

// runProviders lists registered backends with their configuration status.
func runProviders(a *app, out io.Writer) error {
	set := a.configSet()
	chain := a.registry.FallbackChain()
	pos := make(map[string]int, len(chain))
	for i, n := range chain {
		pos[n] = i + 1
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDISPLAY\tCATEGORY\tCAPABILITIES\tCONFIG\tROLE")
	for _, name := range a.registry.Names() {
		meta, _ := a.registry.Metadata(name)
		cfg, configured := set[name]
		p, err := a.registry.Resolve(name, cfg)
		if err != nil {
			fmt.Fprintf(tw, "%s\t-\t%s\t-\t%s\t\n", name, meta.Category, oneLine(err.Error()))
			continue
		}

		status := "not configured"
		if configured {
			res := p.ValidateConfig(cfg)
			switch {
			case !res.Valid:
				status = "invalid: " + strings.Join(res.Errors, "; ")
			case len(res.Warnings) > 0:
				status = "ok (" + strings.Join(res.Warnings, "; ") + ")"
			default:
				status = "ok"
			}
		}

		var role []string
		if name == a.registry.Default() {
			role = append(role, "default")
		}
		if n, ok := pos[name]; ok {
			role = append(role, fmt.Sprintf("fallback #%d", n))
		}

		caps := make([]string, 0, len(p.Capabilities()))
		for _, c := range p.Capabilities() {
			caps = append(caps, string(c))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, p.DisplayName(), meta.Category, strings.Join(caps, ","), status, strings.Join(role, ", "))
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 80 {
		return string(r[:77]) + "..."
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
