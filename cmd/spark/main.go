package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"spark/internal/adapters"
	"spark/internal/bank"
	"spark/internal/chips"
	"spark/internal/config"
	"spark/internal/feedback"
	"spark/internal/logging"
	"spark/internal/mind"
	"spark/internal/packets"
	"spark/internal/paths"
	"spark/internal/pipeline"
	"spark/internal/queue"
	"spark/internal/retrieval"
	"spark/internal/store"
	"spark/internal/trial"

	"spark/internal/embedding"
)

// Exit codes.
const (
	exitOK       = 0
	exitFatal    = 1
	exitNotReady = 2
	exitTimeout  = 124
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spark",
	Short: "Spark - always-on advisory engine for coding agents",
	Long: `Spark observes an AI coding agent through its hook events, learns
durable insights from corrections, failures and repetition, and feeds short
advisories back into the agent's context before tool use.

The hook ingestor (spark-hook) appends events; 'spark bridge' drains them
through the pattern pipeline into the cognitive store; 'spark advise' runs one
retrieval turn; 'spark status' reports production readiness.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// components bundles everything a command may need. Store may be nil when
// SQLite cannot be opened; commands degrade rather than fail.
type components struct {
	root    string
	mgr     *config.Manager
	cfg     config.Tuneables
	store   *store.Store
	chips   *chips.Registry
	bank    *bank.Bank
	packets *packets.Store
	eff     *feedback.Effectiveness
	engine  *retrieval.Engine
}

func buildComponents() (*components, error) {
	root := workspace
	if root == "" {
		root = paths.Root()
	}
	if err := paths.EnsureLayout(root); err != nil {
		return nil, fmt.Errorf("workspace layout: %w", err)
	}

	mgr := config.NewManager(paths.Tuneables(root), filepath.Join(root, paths.DriftFile))
	cfg := mgr.Current()
	logging.Apply(cfg.Logging)

	st, err := store.Open(paths.Database(root))
	if err != nil {
		logger.Warn("store unavailable, running degraded", zap.Error(err))
		st = nil
	}
	if st != nil && cfg.Embeddings.Enabled {
		engine, err := embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embeddings.Provider,
			OllamaEndpoint: cfg.Embeddings.OllamaEndpoint,
			OllamaModel:    cfg.Embeddings.OllamaModel,
			GenAIAPIKey:    os.Getenv("GEMINI_API_KEY"),
			GenAIModel:     cfg.Embeddings.GenAIModel,
		})
		if err != nil {
			logger.Warn("embeddings disabled", zap.Error(err))
		} else {
			st.SetEmbeddingEngine(engine)
		}
	}

	registry := chips.NewRegistry()
	if err := registry.Load(root); err != nil {
		logger.Warn("chip load failed", zap.Error(err))
	}
	b, err := bank.Load(root)
	if err != nil {
		return nil, fmt.Errorf("bank load: %w", err)
	}

	pk := packets.NewStore(root, cfg.Packets)
	eff := feedback.NewEffectiveness(root)
	sources := retrieval.DefaultSources(st, registry, b, mind.New(cfg.Mind), cfg.Retrieval)
	engine := retrieval.NewEngine(root, cfg, sources, pk, eff)
	mgr.OnReload("engine", engine.Reconfigure)

	return &components{
		root: root, mgr: mgr, cfg: cfg, store: st, chips: registry,
		bank: b, packets: pk, eff: eff, engine: engine,
	}, nil
}

func (c *components) close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

// gateMetrics assembles the live production-gate snapshot.
func (c *components) gateMetrics() (feedback.GateMetrics, *feedback.Scorecard, error) {
	matcher := feedback.NewMatcher(c.root, c.cfg.Feedback)
	window := time.Duration(c.cfg.Production.MaxStrictWindowS) * time.Second * 4
	sc, err := feedback.BuildScorecard(c.root, window, matcher)
	if err != nil {
		return feedback.GateMetrics{}, nil, err
	}

	depth := queue.NewReader(c.root).Depth()
	chipRatio := 0.0
	if c.store != nil {
		stats := c.store.Stats()
		if n := stats["cognitive_insights"]; n > 0 {
			chipRatio = float64(c.chips.Count()) / float64(n)
		}
	}
	m := feedback.MetricsFromScorecard(sc, c.cfg.Feedback, c.cfg.Production.RequireTraceBinding, depth, chipRatio)
	return m, sc, nil
}

// ===== STATUS =====

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report production readiness (exit 2 when not ready)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		metrics, sc, err := c.gateMetrics()
		if err != nil {
			return err
		}
		report := feedback.EvaluateGates(metrics, c.cfg.Production)

		ready := report.Ready
		fmt.Println(report.Summary())
		fmt.Printf("advisories: %d emitted, %d resolved, acceptance %.2f\n",
			sc.Advisories, sc.Resolved, sc.AcceptanceRate)

		hb := pipeline.ReadHeartbeat(c.root)
		switch {
		case hb == nil:
			fmt.Println("bridge: no heartbeat (worker not running)")
			ready = false
		case time.Since(hb.TS) > 5*time.Minute:
			fmt.Printf("bridge: heartbeat stale (%v old)\n", time.Since(hb.TS).Round(time.Second))
			ready = false
		case hb.Degraded:
			fmt.Println("bridge: running degraded (ingest only)")
			ready = false
		default:
			fmt.Printf("bridge: healthy, %d cycles, queue depth %d\n", hb.Cycles, hb.QueueDepth)
		}

		cwd, _ := os.Getwd()
		if adapters.Stale(cwd) {
			fmt.Println("adapters: context export missing or older than 24h (run spark sync-context)")
		}

		if c.store == nil {
			fmt.Println("store: unavailable (degraded)")
			ready = false
		}

		if !ready {
			os.Exit(exitNotReady)
		}
		return nil
	},
}

// ===== BRIDGE =====

var bridgeInterval time.Duration

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the bridge worker loop (queue drain, pipeline, maintenance)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go c.mgr.Watch(ctx, 30*time.Second)
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := c.packets.Sweep(); err == nil && n > 0 {
						logger.Info("packet sweep", zap.Int("removed", n))
					}
				}
			}
		}()

		logger.Info("bridge worker starting", zap.String("workspace", c.root))
		pipeline.NewBridge(c.root, c.mgr, c.store).Run(ctx, bridgeInterval)
		logger.Info("bridge worker stopped")
		return nil
	},
}

// ===== ADVISE =====

var (
	adviseTool    string
	adviseInput   string
	adviseSession string
	adviseTrace   string
	adviseText    string
)

var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Run one advisory turn for a tool call, printing advice lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		var toolInput map[string]any
		if adviseInput != "" {
			if err := json.Unmarshal([]byte(adviseInput), &toolInput); err != nil {
				return fmt.Errorf("--input must be a JSON object: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		cwd, _ := os.Getwd()
		res := c.engine.Advise(ctx, retrieval.TurnRequest{
			ToolName:  adviseTool,
			ToolInput: toolInput,
			UserText:  adviseText,
			SessionID: adviseSession,
			TraceID:   adviseTrace,
			CWD:       cwd,
		})
		if ctx.Err() == context.DeadlineExceeded {
			os.Exit(exitTimeout)
		}

		for _, line := range res.Lines {
			fmt.Println(line)
		}
		logger.Debug("advisory turn finished",
			zap.String("decision", res.Decision),
			zap.String("error_code", res.ErrorCode),
			zap.String("packet_id", res.PacketID))
		return nil
	},
}

// ===== SYNC-CONTEXT =====

var syncContextCmd = &cobra.Command{
	Use:   "sync-context",
	Short: "Export the advisory context into host agent files in the cwd",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		var lines []string
		if c.store != nil {
			promoted, err := c.store.ListPromoted(12)
			if err != nil {
				return err
			}
			for _, ins := range promoted {
				lines = append(lines, ins.Text)
			}
		}

		cwd, _ := os.Getwd()
		written, err := adapters.NewSyncer().Sync(cwd, lines)
		if err != nil {
			return err
		}
		fmt.Printf("synced %s\n", strings.Join(written, ", "))
		return nil
	},
}

// ===== TRIAL =====

var trialCmd = &cobra.Command{
	Use:   "trial [start|snapshot|close]",
	Short: "Run a time-boxed production evaluation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		m := trial.NewManager(c.root, c.cfg)
		switch args[0] {
		case "start":
			s, err := m.Start("day-trial")
			if err != nil {
				return err
			}
			fmt.Printf("trial %s started\n", s.TrialID)
		case "snapshot":
			snap, err := m.Snapshot()
			if err != nil {
				return err
			}
			fmt.Printf("snapshot: ready=%v, %d advisories, acceptance %.2f\n",
				snap.Gates.Ready, snap.Scorecard.Advisories, snap.Scorecard.AcceptanceRate)
		case "close":
			sum, err := m.Close()
			if err != nil {
				return err
			}
			fmt.Printf("trial %s closed after %d snapshots, ready=%v\n",
				sum.TrialID, sum.Snapshots, sum.Final.Gates.Ready)
		default:
			return fmt.Errorf("unknown trial action %q", args[0])
		}
		return nil
	},
}

// ===== STATS =====

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store, queue and KPI statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := buildComponents()
		if err != nil {
			return err
		}
		defer c.close()

		fmt.Printf("workspace: %s\n", c.root)
		fmt.Printf("queue depth: %d\n", queue.NewReader(c.root).Depth())
		if c.store != nil {
			for table, n := range c.store.Stats() {
				fmt.Printf("%s: %d\n", table, n)
			}
		}
		fmt.Printf("chips loaded: %d, bank rules: %d\n", c.chips.Count(), c.bank.Size())

		_, sc, err := c.gateMetrics()
		if err != nil {
			return err
		}
		fmt.Printf("turns: %d (%d emit / %d no_emit)\n", sc.Turns, sc.Emitted, sc.NoEmit)
		for code, n := range sc.ByCode {
			fmt.Printf("  no_emit %s: %d\n", code, n)
		}
		fmt.Printf("acceptance %.2f, retrieval match %.2f, strict coverage %.2f\n",
			sc.AcceptanceRate, sc.RetrievalMatchRate, sc.StrictTraceCoverage)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "workspace root (default $SPARK_WORKSPACE or ~/.spark)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "operation timeout")

	bridgeCmd.Flags().DurationVar(&bridgeInterval, "interval", 2*time.Second, "cycle interval")

	adviseCmd.Flags().StringVar(&adviseTool, "tool", "", "tool name (required)")
	adviseCmd.Flags().StringVar(&adviseInput, "input", "", "tool input as JSON object")
	adviseCmd.Flags().StringVar(&adviseSession, "session", "", "session id")
	adviseCmd.Flags().StringVar(&adviseTrace, "trace", "", "trace id")
	adviseCmd.Flags().StringVar(&adviseText, "text", "", "recent user text")
	_ = adviseCmd.MarkFlagRequired("tool")

	rootCmd.AddCommand(statusCmd, bridgeCmd, adviseCmd, syncContextCmd, trialCmd, statsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitFatal)
	}
}
