package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-agent/corectl/internal/agent"
	"github.com/nexus-agent/corectl/internal/agent/providers"
	"github.com/nexus-agent/corectl/internal/artifacts"
	"github.com/nexus-agent/corectl/internal/config"
	"github.com/nexus-agent/corectl/internal/jobs"
	"github.com/nexus-agent/corectl/internal/multiagent"
	"github.com/nexus-agent/corectl/internal/observability"
	"github.com/nexus-agent/corectl/internal/sessions"
	"github.com/nexus-agent/corectl/internal/usage"
	"github.com/nexus-agent/corectl/pkg/models"
	"github.com/nexus-agent/corectl/pkg/pluginsdk"
)

type chatOptions struct {
	Provider      string
	Model         string
	System        string
	SessionKey    string
	MaxIterations int
	ShowUsage     bool
}

// loadConfigOrDefault loads the configured YAML file, falling back to an
// empty (defaulted) config when no file exists yet so `corectl chat` works
// out of the box with just an API key in the environment.
func loadConfigOrDefault() (*config.Config, error) {
	if _, err := os.Stat(configPathFlag); errors.Is(err, os.ErrNotExist) {
		cfg := &config.Config{}
		config.ApplyDefaults(cfg)
		return cfg, nil
	}
	return config.Load(configPathFlag)
}

func runChat(cmd *cobra.Command, message string, opts chatOptions) error {
	cfg, err := loadConfigOrDefault()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger.Slog())

	shutdownTracing, err := observability.InitTracing(cmd.Context(), observability.TracingConfig{
		Enabled:        cfg.Observability.Tracing.Enabled,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: cfg.Observability.Tracing.ServiceVersion,
		Environment:    cfg.Observability.Tracing.Environment,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(cmd.Context()) }()

	provider, model, err := buildChatProvider(cfg, opts)
	if err != nil {
		return err
	}

	store, err := openSessionStore()
	if err != nil {
		return err
	}

	runs := multiagent.NewSubagentRegistry(&multiagent.SubagentRegistryConfig{
		PersistPath:      filepath.Join(stateDir(), "subagent-runs.json"),
		DefaultTimeoutMs: 10 * 60 * 1000,
	})
	defer runs.Stop()

	registry := buildToolRegistry(cfg, provider, runs)
	reportPlugins()

	loopCfg := loopConfigFrom(cfg, opts)
	loopCfg.JobStore = openJobStore(cfg)
	if toolEvents, err := store.ToolEvents(); err == nil {
		loopCfg.ToolEvents = toolEvents
	} else {
		slog.Warn("tool event audit log unavailable", "error", err)
	}
	if repo, cleanup, err := openArtifactRepository(cmd, cfg); err == nil {
		loopCfg.Artifacts = repo
		go cleanup.Start(cmd.Context())
		defer cleanup.Stop()
	} else {
		slog.Warn("artifact storage unavailable", "error", err)
	}

	loop := agent.NewAgenticLoop(provider, registry, store, loopCfg)
	loop.SetDefaultModel(model)
	if opts.System != "" {
		loop.SetDefaultSystem(opts.System)
	}

	session, err := store.GetOrCreate(cmd.Context(), sessionKeyFor(cfg, opts), cfg.Session.DefaultAgentID, models.ChannelCLI, "")
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	out := cmd.OutOrStdout()
	if message != "" && strings.TrimSpace(message) != "" {
		if err := runChatTurn(cmd, loop, session, message, out, opts); err != nil {
			return err
		}
		printUsage(out, loop, session, opts)
		return nil
	}

	fmt.Fprintln(out, "corectl chat — empty line or ctrl-d exits")
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "exit" || line == "quit" {
			break
		}
		if err := runChatTurn(cmd, loop, session, line, out, opts); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
		printUsage(out, loop, session, opts)
	}
	return scanner.Err()
}

// runChatTurn sends one user message through the loop and renders the
// streamed chunks: assistant text to stdout, tool progress and lifecycle
// markers to stderr.
func runChatTurn(cmd *cobra.Command, loop *agent.AgenticLoop, session *models.Session, text string, out io.Writer, opts chatOptions) error {
	msg := &models.Message{
		SessionID: session.ID,
		Channel:   models.ChannelCLI,
		Role:      models.RoleUser,
		Content:   text,
	}
	chunks, err := loop.Run(cmd.Context(), session, msg)
	if err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	wroteText := false
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			if wroteText {
				fmt.Fprintln(out)
			}
			return chunk.Error
		case chunk.Text != "":
			fmt.Fprint(out, chunk.Text)
			wroteText = true
		case chunk.ToolProgress != nil:
			if chunk.ToolProgress.Line != "" {
				fmt.Fprintf(errOut, "  [%s %s] %s\n", chunk.ToolProgress.ToolName, chunk.ToolProgress.Stream, chunk.ToolProgress.Line)
			} else if chunk.ToolProgress.Content != "" {
				fmt.Fprintf(errOut, "  [%s] %s\n", chunk.ToolProgress.ToolName, chunk.ToolProgress.Content)
			}
		case chunk.ToolEvent != nil:
			if chunk.ToolEvent.Stage == models.ToolEventStarted {
				fmt.Fprintf(errOut, "  [%s] running...\n", chunk.ToolEvent.ToolName)
			}
		}
	}
	if wroteText {
		fmt.Fprintln(out)
	}
	return nil
}

func printUsage(out io.Writer, loop *agent.AgenticLoop, session *models.Session, opts chatOptions) {
	if !opts.ShowUsage {
		return
	}
	totals := loop.UsageTotals(session.ID)
	if totals == nil {
		return
	}
	line := fmt.Sprintf("[usage] in=%s out=%s",
		usage.FormatTokenCount(totals.InputTokens),
		usage.FormatTokenCount(totals.OutputTokens))
	if cost := usage.FormatUSD(loop.UsageCost(session.ID)); cost != "" {
		line += " cost=" + cost
	}
	fmt.Fprintln(out, line)
}

// buildChatProvider resolves the provider adapter and default model from
// flags, environment, and the llm config section, in that precedence.
func buildChatProvider(cfg *config.Config, opts chatOptions) (agent.LLMProvider, string, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Provider))
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(cfg.LLM.DefaultProvider))
	}
	if name == "" {
		name = "anthropic"
	}
	pc := cfg.LLM.Providers[name]

	model := firstNonEmpty(opts.Model, os.Getenv("CORECTL_MODEL"), pc.DefaultModel)

	switch name {
	case "anthropic":
		key := firstNonEmpty(pc.APIKey, os.Getenv("CORECTL_API_KEY"), os.Getenv("ANTHROPIC_API_KEY"))
		if key == "" {
			return nil, "", errors.New("no Anthropic API key: set llm.providers.anthropic.api_key, CORECTL_API_KEY, or ANTHROPIC_API_KEY")
		}
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      firstNonEmpty(pc.BaseURL, os.Getenv("CORECTL_BASE_URL")),
			DefaultModel: model,
		})
		if err != nil {
			return nil, "", err
		}
		return p, model, nil
	case "openai":
		key := firstNonEmpty(pc.APIKey, os.Getenv("CORECTL_API_KEY"), os.Getenv("OPENAI_API_KEY"))
		if key == "" {
			return nil, "", errors.New("no OpenAI API key: set llm.providers.openai.api_key, CORECTL_API_KEY, or OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(key), model, nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q (supported: anthropic, openai)", name)
	}
}

// buildToolRegistry assembles the chat loop's tool set: the subagent task
// tools plus whatever the subagent types file contributes.
func buildToolRegistry(cfg *config.Config, provider agent.LLMProvider, runs *multiagent.SubagentRegistry) *agent.ToolRegistry {
	registry := agent.NewToolRegistry()

	types := multiagent.DefaultSubagentTypes()
	typesPath := filepath.Join(stateDir(), "subagents.yaml")
	if _, err := os.Stat(typesPath); err == nil {
		if loaded, err := multiagent.LoadSubagentTypesFile(typesPath); err == nil {
			types = loaded
		} else {
			slog.Warn("ignoring invalid subagent types file", "path", typesPath, "error", err)
		}
	}

	registry.Register(multiagent.NewTaskTool(types, registry, provider, runs, nil))
	registry.Register(multiagent.NewTaskOutputTool(runs))
	return registry
}

// reportPlugins validates any installed plugin manifests and logs what
// they declare. Plugins whose manifest fails validation are skipped.
func reportPlugins() {
	pattern := filepath.Join(stateDir(), "plugins", "*", pluginsdk.ManifestFilename)
	paths, _ := filepath.Glob(pattern)
	legacy, _ := filepath.Glob(filepath.Join(stateDir(), "plugins", "*", pluginsdk.LegacyManifestFilename))
	for _, path := range append(paths, legacy...) {
		manifest, err := pluginsdk.DecodeManifestFile(path)
		if err != nil {
			slog.Warn("unreadable plugin manifest", "path", path, "error", err)
			continue
		}
		if err := manifest.Validate(); err != nil {
			slog.Warn("invalid plugin manifest", "path", path, "error", err)
			continue
		}
		slog.Debug("plugin discovered",
			"id", manifest.ID,
			"version", manifest.Version,
			"tools", strings.Join(manifest.Tools, ","),
			"capabilities", strings.Join(manifest.DeclaredCapabilities(), ","))
	}
}

// loopConfigFrom maps the tools.execution config section onto a LoopConfig.
func loopConfigFrom(cfg *config.Config, opts chatOptions) *agent.LoopConfig {
	lc := agent.DefaultLoopConfig()
	execCfg := cfg.Tools.Execution
	if execCfg.MaxIterations > 0 {
		lc.MaxIterations = execCfg.MaxIterations
	}
	if opts.MaxIterations > 0 {
		lc.MaxIterations = opts.MaxIterations
	}
	if execCfg.Parallelism > 0 {
		lc.ExecutorConfig.MaxConcurrency = execCfg.Parallelism
	}
	if execCfg.Timeout > 0 {
		lc.ExecutorConfig.DefaultTimeout = execCfg.Timeout
	}
	if execCfg.MaxAttempts > 0 {
		lc.ExecutorConfig.DefaultRetries = execCfg.MaxAttempts - 1
	}
	if execCfg.RetryBackoff > 0 {
		lc.ExecutorConfig.RetryBackoff = execCfg.RetryBackoff
	}
	if execCfg.MaxToolCalls > 0 {
		lc.MaxToolCalls = execCfg.MaxToolCalls
	}
	lc.RequireApproval = execCfg.RequireApproval
	lc.AsyncTools = execCfg.Async
	lc.DisableToolEvents = execCfg.DisableEvents
	if cwd, err := os.Getwd(); err == nil {
		lc.Cwd = cwd
	}
	return lc
}

func sessionKeyFor(cfg *config.Config, opts chatOptions) string {
	if opts.SessionKey != "" {
		return opts.SessionKey
	}
	if strings.EqualFold(cfg.Session.CLIScope, "global") {
		return "cli:main"
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "cli:main"
	}
	return "cli:" + cwd
}

// stateDir is the per-user corectl state directory.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".corectl")
}

func openSessionStore() (*sessions.SQLiteStore, error) {
	dir := stateDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return sessions.NewSQLiteStore(sessions.SQLiteConfig{Path: filepath.Join(dir, "sessions.db")})
}

// openJobStore backs async tool jobs with CockroachDB when a database URL
// is configured, and an in-memory store otherwise.
func openJobStore(cfg *config.Config) jobs.Store {
	if dsn := strings.TrimSpace(cfg.Database.URL); dsn != "" {
		if store, err := jobs.NewCockroachStoreFromDSN(dsn, nil); err == nil {
			return store
		} else {
			slog.Warn("job database unavailable, using in-memory job store", "error", err)
		}
	}
	return jobs.NewMemoryStore()
}

// openArtifactRepository backs tool artifacts with the configured store —
// local files under the state dir by default, S3 when configured — and
// prunes expired ones in the background.
func openArtifactRepository(cmd *cobra.Command, cfg *config.Config) (artifacts.Repository, *artifacts.CleanupService, error) {
	var store artifacts.Store
	var err error
	if strings.EqualFold(cfg.Tools.Artifacts.Backend, "s3") {
		store, err = artifacts.NewS3Store(cmd.Context(), &artifacts.S3StoreConfig{
			Bucket:   cfg.Tools.Artifacts.S3.Bucket,
			Region:   cfg.Tools.Artifacts.S3.Region,
			Endpoint: cfg.Tools.Artifacts.S3.Endpoint,
			Prefix:   cfg.Tools.Artifacts.S3.Prefix,
		})
	} else {
		store, err = artifacts.NewLocalStore(filepath.Join(stateDir(), "artifacts"))
	}
	if err != nil {
		return nil, nil, err
	}
	repo, err := artifacts.NewPersistentRepository(store, filepath.Join(stateDir(), "artifacts", "index.json"), slog.Default())
	if err != nil {
		return nil, nil, err
	}
	cleanup := artifacts.NewCleanupService(repo, time.Hour, slog.Default())
	return repo, cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
