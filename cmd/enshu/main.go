// Command enshu runs persona simulations against a live Kaiwa server.
//
// Persona specs are loaded from a JSON file (an array of objects matching
// sim.PersonaSpec), executed through the production webhook transport, and
// the results are printed and persisted to a local sqlite file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/kaiwa-ai/kaiwa/internal/config"
	"github.com/kaiwa-ai/kaiwa/internal/service/generation"
	"github.com/kaiwa-ai/kaiwa/internal/sim"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		serverURL    = flag.String("server", "http://localhost:8080", "base URL of the running kaiwa server")
		personasPath = flag.String("personas", "personas.json", "path to the persona spec JSON file")
		dbPath       = flag.String("db", "enshu.db", "path to the sqlite run-record file")
		tenantFlag   = flag.String("tenant", "", "tenant UUID (defaults to KAIWA_DEFAULT_TENANT_ID)")
		phoneID      = flag.String("phone-number-id", "sim-phone", "business phone number id in simulated payloads")
		maxTurns     = flag.Int("max-turns", 20, "hard turn ceiling per run")
		pollInterval = flag.Duration("poll-interval", 500*time.Millisecond, "outbound poll interval")
		pollAttempts = flag.Int("poll-attempts", 60, "outbound poll attempts per turn")
		fallbacks    = flag.String("fallback-phrases", "didn't quite catch that", "comma-separated phrases marking a fallback reply")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		return 1
	}

	tenantRaw := *tenantFlag
	if tenantRaw == "" {
		tenantRaw = cfg.DefaultTenantID
	}
	tenantID, err := uuid.Parse(tenantRaw)
	if err != nil {
		logger.Error("invalid tenant id", "value", tenantRaw, "error", err)
		return 1
	}

	specs, err := loadPersonas(*personasPath)
	if err != nil {
		logger.Error("load personas", "error", err)
		return 1
	}

	provider, err := newGenerationProvider(ctx, cfg)
	if err != nil {
		logger.Error("generation provider", "error", err)
		return 1
	}

	store, err := sim.OpenStore(*dbPath)
	if err != nil {
		logger.Error("open run store", "error", err)
		return 1
	}
	defer store.Close()

	runner := sim.NewRunner(sim.RunnerConfig{
		BaseURL:         strings.TrimRight(*serverURL, "/"),
		AppSecret:       cfg.WhatsAppAppSecret,
		PhoneNumberID:   *phoneID,
		TenantID:        tenantID,
		PollInterval:    *pollInterval,
		PollAttempts:    *pollAttempts,
		MaxTurns:        *maxTurns,
		FallbackPhrases: splitPhrases(*fallbacks),
	}, sim.NewExtractor(provider), logger)

	failed := 0
	for _, spec := range specs {
		result := runner.Run(ctx, spec)
		printResult(result)
		if err := store.SaveRun(ctx, result); err != nil {
			logger.Error("save run", "run_id", result.RunID, "error", err)
		}
		if result.Status != sim.StatusCompleted {
			failed++
		}
	}

	fmt.Printf("\n%d/%d personas completed\n", len(specs)-failed, len(specs))
	if failed > 0 {
		return 1
	}
	return 0
}

func loadPersonas(path string) ([]sim.PersonaSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var specs []sim.PersonaSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%s contains no personas", path)
	}
	return specs, nil
}

func newGenerationProvider(ctx context.Context, cfg config.Config) (generation.Provider, error) {
	if cfg.OpenAIAPIKey != "" || cfg.GenerationBaseURL != "" {
		return generation.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.GenerationBaseURL, cfg.GenerationModel, cfg.GenerationTimeout), nil
	}
	if cfg.GeminiAPIKey != "" {
		return generation.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.GenerationModel)
	}
	return nil, fmt.Errorf("no generation credentials (set OPENAI_API_KEY, GEMINI_API_KEY, or KAIWA_GENERATION_BASE_URL)")
}

func splitPhrases(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printResult(r sim.RunResult) {
	fmt.Printf("=== %s: %s (%s) in %d turns\n", r.Persona, r.Status, r.Reason, r.Turns)
	for _, entry := range r.Transcript {
		fmt.Printf("  [%d] %-7s %s\n", entry.Turn, entry.Role, entry.Text)
	}
	for _, f := range r.Facts {
		fmt.Printf("  fact: %s.%s = %s\n", f.Entity, f.Attribute, f.Value)
	}
}
