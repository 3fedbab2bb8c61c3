package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/channel-archiver/cmd.Version=1.2.3"
	Version = "dev" // Default to "dev" if not set during build

	// signalContext is set by main() before Cobra initialization
	// This ensures signal handling is set up before any library can interfere
	signalContext context.Context

	cfgFile          string
	debug            bool
	logFormat        string
	dryRun           bool
	apiURL           string
	channels         []string
	outputDir        string
	afterDate        string
	rowCap           int64
	chunkSize        int
	chunkBytes       int64
	pageSize         int
	pageDelay        time.Duration
	retryCeiling     int
	breakerThreshold int
	dlqAttempts      int
	requestCap       int64
	durationCap      time.Duration
	staleness        time.Duration
	outputFormat     string
	compression      string
	compressionLevel int
	s3Endpoint       string
	s3Bucket         string
	s3AccessKey      string
	s3SecretKey      string
	s3Region         string
	s3Prefix         string
	noTUI            bool

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	level := r.Level.String()

	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, level, r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	// For simplicity, we ignore attributes in text-only mode
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// initLogger initializes the slog logger based on debug flag and log format
func initLogger(isDebug bool, format string) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "logfmt":
		// logfmt uses slog.TextHandler which outputs key=value pairs
		handler = slog.NewTextHandler(os.Stdout, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(os.Stdout, opts)
	}

	logger = slog.New(handler)
}

var rootCmd = &cobra.Command{
	Use:     "channel-archiver",
	Version: Version,
	Short:   "📦 Bulk-ingest historical channel records from an archive API into columnar files",
	Long: titleStyle.Render("Channel Archiver") + `

A CLI tool that pulls the complete post and reply history for named channels
from a paginated archive API into per-channel columnar files. Pagination walks
backward from the present, progress is checkpointed after every chunk flush,
and interrupted runs resume where they left off. Output is Parquet (or
JSONL/CSV), optionally compressed and mirrored to S3-compatible storage.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		cmd.Help()
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [channels...]",
	Short: "Ingest channel history from the archive API",
	Long: `Ingest the full post and reply history for the given channels. Channels may
be passed as arguments or via --channels. Each channel produces one
consolidated file per content type; fresh channels are skipped and
interrupted channels resume from their checkpoint.`,
	Run: func(_ *cobra.Command, args []string) {
		runIngest(args)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List active ingestion runs in the output directory",
	Run: func(_ *cobra.Command, _ []string) {
		runRuns()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Print the row count and first rows of an output file",
	Long: `Inspect a consolidated or chunk file produced by ingest. The record type is
inferred from the filename and the codec from the extension; rows print as
JSON lines.`,
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		runInspect(args[0])
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(inspectCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.channel-archiver.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "perform a dry run without uploading to S3")

	// Ingest-specific flags
	ingestCmd.Flags().StringVar(&apiURL, "api-url", "", "archive API base URL (required)")
	ingestCmd.Flags().StringSliceVar(&channels, "channels", nil, "channels to ingest (alternative to positional arguments)")
	ingestCmd.Flags().StringVar(&outputDir, "output-dir", "archive", "output directory for consolidated files")
	ingestCmd.Flags().StringVar(&afterDate, "after", "", "lower bound date YYYY-MM-DD (required)")
	ingestCmd.Flags().Int64Var(&rowCap, "row-cap", 0, "max rows per channel and content type (0 = unlimited)")
	ingestCmd.Flags().IntVar(&chunkSize, "chunk-size", 500, "rows per chunk flush")
	ingestCmd.Flags().Int64Var(&chunkBytes, "chunk-bytes", 50*1024*1024, "byte ceiling per chunk buffer")
	ingestCmd.Flags().IntVar(&pageSize, "page-size", 100, "items requested per page (1-500)")
	ingestCmd.Flags().DurationVar(&pageDelay, "page-delay", 500*time.Millisecond, "politeness delay between successive pages")
	ingestCmd.Flags().IntVar(&retryCeiling, "retry-ceiling", 3, "max retries per page request")
	ingestCmd.Flags().IntVar(&breakerThreshold, "breaker-threshold", 3, "consecutive channel failures that trip the circuit breaker")
	ingestCmd.Flags().IntVar(&dlqAttempts, "dlq-attempts", 5, "failures before a channel is promoted to the permanent ledger")
	ingestCmd.Flags().Int64Var(&requestCap, "request-cap", 5000, "job-wide request ceiling (0 = unlimited)")
	ingestCmd.Flags().DurationVar(&durationCap, "duration-cap", 600*time.Second, "job-wide wall-clock ceiling (0 = unlimited)")
	ingestCmd.Flags().DurationVar(&staleness, "staleness", 168*time.Hour, "consolidated files younger than this are skipped")
	ingestCmd.Flags().StringVar(&outputFormat, "format", "parquet", "output format: parquet, jsonl, csv")
	ingestCmd.Flags().StringVar(&compression, "compression", "zstd", "compression type: zstd, gzip, lz4, snappy, none")
	ingestCmd.Flags().IntVar(&compressionLevel, "compression-level", 3, "compression level (zstd: 1-22, lz4/gzip: 1-9, snappy/none: 0)")
	ingestCmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	ingestCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket for mirroring consolidated files")
	ingestCmd.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	ingestCmd.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	ingestCmd.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")
	ingestCmd.Flags().StringVar(&s3Prefix, "s3-prefix", "", "key prefix for mirrored objects")
	ingestCmd.Flags().BoolVar(&noTUI, "no-tui", false, "disable the interactive progress display")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Bind ingest flags
	_ = viper.BindPFlag("api_url", ingestCmd.Flags().Lookup("api-url"))
	_ = viper.BindPFlag("channels", ingestCmd.Flags().Lookup("channels"))
	_ = viper.BindPFlag("output_dir", ingestCmd.Flags().Lookup("output-dir"))
	_ = viper.BindPFlag("after", ingestCmd.Flags().Lookup("after"))
	_ = viper.BindPFlag("row_cap", ingestCmd.Flags().Lookup("row-cap"))
	_ = viper.BindPFlag("chunk_size", ingestCmd.Flags().Lookup("chunk-size"))
	_ = viper.BindPFlag("chunk_bytes", ingestCmd.Flags().Lookup("chunk-bytes"))
	_ = viper.BindPFlag("page_size", ingestCmd.Flags().Lookup("page-size"))
	_ = viper.BindPFlag("page_delay", ingestCmd.Flags().Lookup("page-delay"))
	_ = viper.BindPFlag("retry_ceiling", ingestCmd.Flags().Lookup("retry-ceiling"))
	_ = viper.BindPFlag("breaker_threshold", ingestCmd.Flags().Lookup("breaker-threshold"))
	_ = viper.BindPFlag("dlq_attempts", ingestCmd.Flags().Lookup("dlq-attempts"))
	_ = viper.BindPFlag("request_cap", ingestCmd.Flags().Lookup("request-cap"))
	_ = viper.BindPFlag("duration_cap", ingestCmd.Flags().Lookup("duration-cap"))
	_ = viper.BindPFlag("staleness", ingestCmd.Flags().Lookup("staleness"))
	_ = viper.BindPFlag("output_format", ingestCmd.Flags().Lookup("format"))
	_ = viper.BindPFlag("compression", ingestCmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("compression_level", ingestCmd.Flags().Lookup("compression-level"))
	_ = viper.BindPFlag("s3.endpoint", ingestCmd.Flags().Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", ingestCmd.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", ingestCmd.Flags().Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", ingestCmd.Flags().Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", ingestCmd.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("s3.prefix", ingestCmd.Flags().Lookup("s3-prefix"))
	_ = viper.BindPFlag("no_tui", ingestCmd.Flags().Lookup("no-tui"))

	// Inspect and runs share the output directory flag
	runsCmd.Flags().StringVar(&outputDir, "output-dir", "archive", "output directory to scan for runs")
	inspectCmd.Flags().IntVar(&inspectRows, "rows", 10, "number of rows to print")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".channel-archiver")
	}

	viper.SetEnvPrefix("CHANNEL_ARCHIVER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		// Initialize logger early if reading config in debug mode
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

func buildConfig(args []string) *Config {
	configured := viper.GetStringSlice("channels")
	allChannels := make([]string, 0, len(args)+len(configured))
	allChannels = append(allChannels, args...)
	allChannels = append(allChannels, configured...)

	return &Config{
		Debug:            viper.GetBool("debug"),
		LogFormat:        viper.GetString("log_format"),
		DryRun:           viper.GetBool("dry_run"),
		APIURL:           viper.GetString("api_url"),
		Channels:         allChannels,
		OutputDir:        viper.GetString("output_dir"),
		After:            viper.GetString("after"),
		RowCap:           viper.GetInt64("row_cap"),
		ChunkSize:        viper.GetInt("chunk_size"),
		ChunkBytes:       viper.GetInt64("chunk_bytes"),
		PageSize:         viper.GetInt("page_size"),
		PageDelay:        viper.GetDuration("page_delay"),
		RetryCeiling:     viper.GetInt("retry_ceiling"),
		BreakerThreshold: viper.GetInt("breaker_threshold"),
		DLQAttempts:      viper.GetInt("dlq_attempts"),
		RequestCap:       viper.GetInt64("request_cap"),
		DurationCap:      viper.GetDuration("duration_cap"),
		Staleness:        viper.GetDuration("staleness"),
		OutputFormat:     viper.GetString("output_format"),
		Compression:      viper.GetString("compression"),
		CompressionLevel: viper.GetInt("compression_level"),
		S3: S3Config{
			Endpoint:  viper.GetString("s3.endpoint"),
			Bucket:    viper.GetString("s3.bucket"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
			Region:    viper.GetString("s3.region"),
			Prefix:    viper.GetString("s3.prefix"),
		},
	}
}

func runIngest(args []string) {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := buildConfig(args)

	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Channel Archiver v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	// Check for updates in background (non-blocking)
	updateCheckDone := make(chan struct{})
	go func() {
		defer close(updateCheckDone)
		check := newReleaseChecker().Check(context.Background(), Version)
		if check.Newer {
			logger.Info("")
			logger.Info(fmt.Sprintf("💡 Update available: v%s (running v%s), see %s", check.Latest, Version, check.URL))
		} else if check.Err != nil && config.Debug {
			logger.Debug(fmt.Sprintf("Release check failed: %v", check.Err))
		}
	}()

	// Give the release check a short time to complete, but don't block startup
	select {
	case <-updateCheckDone:
	case <-time.After(2 * time.Second):
		logger.Debug("Release check taking longer than expected, continuing...")
	}

	// Use the signal context created in main() before Cobra initialization
	ctx := signalContext
	if ctx == nil {
		// Fallback if SetSignalContext wasn't called (shouldn't happen)
		logger.Warn("Signal context not set, creating fallback...")
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	ingester, err := NewIngester(config, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Setup failed: %s", err.Error()))
		os.Exit(1)
	}

	useTUI := !config.Debug && !viper.GetBool("no_tui") && config.LogFormat == "text"

	var stats *RunStats
	if useTUI {
		stats, err = runIngestTUI(ctx, config, ingester)
		// Restore the console logger after the alternate screen closes
		initLogger(config.Debug, config.LogFormat)
	} else {
		// Force-exit if graceful shutdown takes too long
		exited := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-exited:
				return
			}
			logger.Info("")
			logger.Info("⚠️  Interrupt signal received, shutting down...")
			select {
			case <-exited:
			case <-time.After(10 * time.Second):
				logger.Error("⚠️  Graceful shutdown timed out, forcing exit...")
				os.Exit(130)
			}
		}()
		stats, err = ingester.Run(ctx)
		close(exited)
	}

	if err != nil {
		logger.Error(fmt.Sprintf("❌ Ingest failed: %s", err.Error()))
		os.Exit(1)
	}

	printSummary(logger, stats)

	if stats.Cancelled {
		os.Exit(130)
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
	logger.Info("")
	logger.Info("✅ Ingest completed successfully!")
}

// runIngestTUI drives the run behind the interactive progress display. The
// ingester runs in its own goroutine and publishes messages into the program.
func runIngestTUI(ctx context.Context, config *Config, ingester *Ingester) (*RunStats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newProgressModel(cancel, len(config.Channels))
	program := tea.NewProgram(model)
	ingester.SetProgram(program)

	// Route logs into the TUI message tail while the alternate screen is up
	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}
	logger = slog.New(newTeaLogHandler(program, level))
	ingester.logger = logger

	var (
		stats  *RunStats
		runErr error
	)
	go func() {
		stats, runErr = ingester.Run(runCtx)
		program.Send(runDoneMsg{stats: stats, err: runErr})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		return stats, err
	}
	return stats, runErr
}

func runRuns() {
	initLogger(debug, logFormat)

	infos, err := ListRunInfos(outputDir)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Could not list runs: %s", err.Error()))
		os.Exit(1)
	}
	if len(infos) == 0 {
		logger.Info(fmt.Sprintf("No active runs in %s", outputDir))
		return
	}

	for _, info := range infos {
		state := "running"
		if !IsProcessRunning(info.PID) {
			state = "dead"
		}
		logger.Info(fmt.Sprintf("🏃 run %s pid=%d (%s) started=%s channels=%d/%d current=%s requests=%d",
			info.RunID, info.PID, state, info.StartTime.Format(time.RFC3339),
			info.ChannelsDone, info.Channels, info.CurrentChannel, info.Requests))
	}
}
