package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"promptrelay/internal/config"
	"promptrelay/internal/eventbus"
	"promptrelay/internal/llm"
	"promptrelay/internal/logging"
	"promptrelay/internal/memory"
	"promptrelay/internal/metrics"
	"promptrelay/internal/security"
)

// EnvMasterPassword unlocks the encrypted vault used when no OS keyring is available.
const EnvMasterPassword = "PROMPTRELAY_MASTER_PASSWORD"

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	cfgLoader *config.Loader
	bus       *eventbus.Bus
	registry  *llm.Registry
	keyStore  *security.KeyStore
	sanitizer *security.Sanitizer
	mem       memory.Memory
	metrics   metrics.Metrics
	server    *http.Server
	verbose   bool
}

type appOptions struct {
	configPath string
	verbose    bool
	httpClient *http.Client
}

// newApp loads config, resolves secrets and builds the provider registry.
func newApp(opts appOptions) (*app, error) {
	var (
		loader *config.Loader
		err    error
	)
	if opts.configPath != "" {
		loader = config.NewLoaderAt(opts.configPath)
	} else if loader, err = config.NewLoader(); err != nil {
		return nil, fmt.Errorf("create config loader: %w", err)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{
		cfg:       cfg,
		cfgLoader: loader,
		bus:       eventbus.New(),
		sanitizer: security.NewSanitizer(cfg.Security.PIIFiltering),
		metrics:   metrics.Noop{},
		verbose:   opts.verbose,
	}

	dir := filepath.Dir(loader.FilePath())
	var master []byte
	if pw := os.Getenv(EnvMasterPassword); pw != "" {
		if master, err = security.MasterKey(dir, pw); err != nil {
			logging.Warn("app", "vault unavailable", "err", err)
		}
	}
	if ks, err := security.NewKeyStore(dir, master); err != nil {
		logging.Warn("app", "failed to create key store, secrets stay in config file", "err", err)
	} else {
		a.keyStore = ks
	}
	a.resolveSecrets()

	if cfg.Metrics.Addr != "" {
		a.metrics = metrics.NewProm("promptrelay")
		a.startMetricsServer(cfg.Metrics.Addr)
	}

	a.registry = llm.NewRegistry(llm.Deps{
		HTTPClient: opts.httpClient,
		Bus:        a.bus,
		Metrics:    a.metrics,
	})
	if err := llm.RegisterBuiltins(a.registry); err != nil {
		return nil, err
	}
	if cfg.DefaultProvider != "" {
		if err := a.registry.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}
	if len(cfg.FallbackChain) > 0 {
		if err := a.registry.SetFallbackChain(cfg.FallbackChain); err != nil {
			return nil, err
		}
	}

	a.subscribe()
	return a, nil
}

// subscribe logs the events a CLI user cares about.
func (a *app) subscribe() {
	a.bus.SubscribeEach(func(e eventbus.Event) {
		ev, _ := e.Payload.(llm.ProviderEvent)
		switch e.Topic {
		case eventbus.TopicFallbackUsed:
			logging.Warn("relay", "using fallback provider", "provider", ev.Provider)
		case eventbus.TopicRateLimited:
			logging.Warn("relay", "rate limited locally", "provider", ev.Provider, "request_id", ev.RequestID)
		}
	}, eventbus.TopicFallbackUsed, eventbus.TopicRateLimited)

	if !a.verbose {
		return
	}
	a.bus.SubscribeEach(func(e eventbus.Event) {
		ev, _ := e.Payload.(llm.ProviderEvent)
		kv := []any{"provider", ev.Provider}
		if ev.RequestID != "" {
			kv = append(kv, "request_id", ev.RequestID, "model", ev.Model)
		}
		if ev.Duration > 0 {
			kv = append(kv, "duration", ev.Duration.Round(time.Millisecond))
		}
		logging.Info("relay", string(e.Topic), kv...)
	}, eventbus.TopicProviderResolved, eventbus.TopicAuthenticated,
		eventbus.TopicGenerateStart, eventbus.TopicGenerateDone)
}

func (a *app) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics", "server stopped", "addr", addr, "err", err)
		}
	}()
	logging.Info("metrics", "serving", "addr", addr)
}

// history opens the chat database on first use.
func (a *app) history() (memory.Memory, error) {
	if a.mem != nil {
		return a.mem, nil
	}
	mem, err := memory.NewSQLiteMemory(a.cfgLoader.HistoryPath(a.cfg))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	a.mem = mem
	return mem, nil
}

func (a *app) close(ctx context.Context) {
	if a.server != nil {
		a.server.Shutdown(ctx)
	}
	if a.mem != nil {
		a.mem.Close()
	}
}

// configSet converts the file representation into per-backend provider configs.
func (a *app) configSet() llm.ConfigSet {
	set := make(llm.ConfigSet, len(a.cfg.Providers))
	for name, pc := range a.cfg.Providers {
		set[name] = providerConfig(pc)
	}
	return set
}

func providerConfig(pc config.LLMConfig) llm.ProviderConfig {
	return llm.ProviderConfig{
		APIKey:      pc.APIKey,
		BaseURL:     pc.BaseURL,
		APIVersion:  pc.APIVersion,
		Model:       pc.Model,
		MaxTokens:   pc.MaxTokens,
		Temperature: pc.Temperature,
		Timeout:     time.Duration(pc.TimeoutSecs) * time.Second,
		RateLimit: llm.RateLimitConfig{
			Requests: pc.RateLimit.Requests,
			Tokens:   pc.RateLimit.Tokens,
			Window:   time.Duration(pc.RateLimit.WindowSecs) * time.Second,
		},
	}
}

// resolve picks a ready provider, walking the fallback chain when allowed.
func (a *app) resolve(ctx context.Context, name string, fallback bool) (llm.Provider, error) {
	if name == "" {
		name = a.registry.Default()
	}
	if name == "" {
		return nil, fmt.Errorf("no provider selected and no default_provider configured")
	}
	set := a.configSet()
	if fallback {
		return a.registry.ResolveWithFallback(ctx, name, set)
	}
	p, err := a.registry.Resolve(name, set[name])
	if err != nil {
		return nil, err
	}
	if !p.IsAuthenticated() {
		if err := p.Authenticate(ctx, set[name]); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// resolveSecrets loads [keyring] credentials into the in-memory config.
// Plaintext keys found in the file are moved to secure storage and the file
// is rewritten with placeholders.
func (a *app) resolveSecrets() {
	if a.keyStore == nil {
		return
	}

	migrated := false
	for name, pc := range a.cfg.Providers {
		secret := security.ProviderKeyName(name)
		switch {
		case pc.APIKey == config.KeyringPlaceholder:
			val, err := a.keyStore.Get(secret)
			if err != nil {
				// An unset slot is normal for providers the user never configured.
				if !errors.Is(err, security.ErrSecretNotFound) {
					logging.Warn("app", "failed to read key from keyring", "provider", name, "err", err)
				}
				pc.APIKey = ""
			} else {
				pc.APIKey = val
			}
		case pc.APIKey != "":
			if err := a.keyStore.Set(secret, pc.APIKey); err == nil {
				migrated = true
				logging.Info("app", "migrated key to secure storage", "provider", name, "key", security.MaskKey(pc.APIKey))
			}
		}
		a.cfg.Providers[name] = pc
	}

	if migrated {
		if err := a.saveConfig(); err != nil {
			logging.Warn("app", "failed to save config after secret migration", "err", err)
		}
	}
}

// saveConfig writes config to disk with secrets replaced by [keyring] placeholders.
// In-memory a.cfg always retains real keys; only the file gets placeholders.
func (a *app) saveConfig() error {
	if a.keyStore == nil {
		return a.cfgLoader.Save(a.cfg)
	}

	cfgForDisk := *a.cfg
	cfgForDisk.Providers = make(map[string]config.LLMConfig, len(a.cfg.Providers))
	for name, pc := range a.cfg.Providers {
		if pc.APIKey != "" && pc.APIKey != config.KeyringPlaceholder {
			if err := a.keyStore.Set(security.ProviderKeyName(name), pc.APIKey); err != nil {
				logging.Warn("app", "failed to store key in keyring", "provider", name, "err", err)
				return a.cfgLoader.Save(a.cfg) // fallback: save plaintext
			}
			pc.APIKey = config.KeyringPlaceholder
		}
		cfgForDisk.Providers[name] = pc
	}

	return a.cfgLoader.Save(&cfgForDisk)
}

// setKey stores a credential for provider and points the config at the keyring.
func (a *app) setKey(provider, key string) error {
	if _, ok := a.registry.Metadata(provider); !ok {
		return fmt.Errorf("set key %q: %w", provider, llm.ErrUnregisteredName)
	}
	pc := a.cfg.Providers[provider]
	pc.APIKey = key
	if a.cfg.Providers == nil {
		a.cfg.Providers = make(map[string]config.LLMConfig)
	}
	a.cfg.Providers[provider] = pc
	return a.saveConfig()
}

// deleteKey removes a stored credential and clears it from the config file.
func (a *app) deleteKey(provider string) error {
	if a.keyStore != nil {
		if err := a.keyStore.Delete(security.ProviderKeyName(provider)); err != nil {
			return err
		}
	}
	pc, ok := a.cfg.Providers[provider]
	if !ok {
		return nil
	}
	pc.APIKey = ""
	a.cfg.Providers[provider] = pc
	return a.saveConfig()
}
