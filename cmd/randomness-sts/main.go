package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"randomness-sts/internal/assess"
	"randomness-sts/internal/bitstream"
	"randomness-sts/internal/collector"
	stsconfig "randomness-sts/internal/config"
	"randomness-sts/internal/metrics"
	stsmqtt "randomness-sts/internal/mqtt"
	"randomness-sts/internal/plan"
	"randomness-sts/internal/report"
	"randomness-sts/internal/sts"
)

var (
	loadConfigFunc       = stsconfig.Load
	waitForShutdownFunc  = waitForShutdown
	newMetricsServerFunc = func(addr string) metricsServer {
		return metrics.NewServer(addr)
	}
	newMQTTClient = func(cfg stsmqtt.Config, handler stsmqtt.Handler) (mqttClient, error) {
		return stsmqtt.NewClient(cfg, handler)
	}
	signalNotifyFunc = signal.Notify
)

type metricsServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

type mqttClient interface {
	Connect(ctx context.Context) error
	Close()
}

// usageError marks command line mistakes, which exit with status 2.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func parseClientAuth(mode string) tls.ClientAuthType {
	switch mode {
	case stsconfig.TLSClientAuthRequire:
		return tls.RequireAndVerifyClientCert
	case stsconfig.TLSClientAuthRequest:
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := godotenv.Overload(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
	if isUsageError(err) {
		return 2
	}
	return 1
}

func isUsageError(err error) bool {
	var usage usageError
	if errors.As(err, &usage) {
		return true
	}
	// cobra reports unknown subcommands as plain errors.
	return strings.HasPrefix(err.Error(), "unknown command")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "randomness-sts",
		Short:         "NIST SP 800-22 randomness tests over files, HTTP uploads and MQTT streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.AddCommand(newRunCmd(), newServeCmd(), newTemplatesCmd())
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func newRunCmd() *cobra.Command {
	var (
		formatName  string
		planFile    string
		diagnostics bool
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run the test battery once over a file and print the report",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := report.ParseFormat(formatName)
			if err != nil {
				return usageError{err: err}
			}
			cfg, err := loadConfigFunc()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if planFile != "" {
				cfg.Battery.PlanFile = planFile
			}
			return runFile(cmd.Context(), cmd.OutOrStdout(), cfg.Battery, args[0], format, diagnostics)
		},
	}

	cmd.Flags().StringVar(&formatName, "format", string(report.FormatText), "report format (text|json)")
	cmd.Flags().StringVar(&planFile, "plan", "", "YAML plan file (overrides STS_PLAN_FILE)")
	cmd.Flags().BoolVar(&diagnostics, "diagnostics", false, "include intermediate statistics in the report")
	return cmd
}

// runFile assesses the file at path. Test errors are reported in the output
// and also returned.
func runFile(ctx context.Context, stdout io.Writer, cfg stsconfig.Battery, path string, format report.Format, diagnostics bool) error {
	p, err := plan.FromConfig(cfg)
	if err != nil {
		return err
	}

	blockBits := cfg.BlockSizeBits
	if p.BlockSizeBits > 0 {
		blockBits = p.BlockSizeBits
	}
	src, err := openSource(path, blockBits, requiredBits(p))
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Printf("bitstream: %v", err)
		}
	}()

	tests, err := plan.Build(p, src, libraryFor(cfg))
	if err != nil {
		return err
	}

	bits := src.Bits().Len()
	opts := []sts.BatteryOption{
		sts.WithReportSignificance(p.SignificanceLevel()),
		sts.WithInputBits(bits),
	}
	if cfg.Parallelism > 0 {
		opts = append(opts, sts.WithParallelism(cfg.Parallelism))
	}
	rep := sts.NewBattery(tests, opts...).Run(ctx, diagnostics)

	doc := report.New(uuid.NewString(), path, bits, rep)
	if err := report.Write(stdout, format, doc); err != nil {
		return err
	}
	return rep.Err()
}

// openSource opens path and buffers the bits the plan needs. need 0 reads
// the whole file. Shortfalls are left for the test constructors to report.
func openSource(path string, blockBits, need int) (*bitstream.Source, error) {
	src, err := bitstream.Open(path, blockBits)
	if err != nil {
		return nil, err
	}
	if need == 0 {
		need = math.MaxInt
	}
	if _, err := src.Accumulate(need); err != nil && !errors.Is(err, bitstream.ErrInsufficientData) {
		_ = src.Close()
		return nil, err
	}
	return src, nil
}

// requiredBits returns the largest explicit bit count of the plan, or 0 when
// any test consumes every available bit.
func requiredBits(p *plan.Plan) int {
	need := 0
	for _, spec := range p.Tests {
		if spec.Bits == 0 {
			return 0
		}
		need = max(need, spec.Bits)
	}
	return need
}

func libraryFor(cfg stsconfig.Battery) sts.Library {
	if cfg.TemplateDir != "" {
		return sts.NewDirLibrary(cfg.TemplateDir)
	}
	return sts.DefaultLibrary()
}

func newTemplatesCmd() *cobra.Command {
	var templateDir string

	cmd := &cobra.Command{
		Use:   "templates <m>",
		Short: "List the aperiodic templates of length m",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseLength(args[0])
			if err != nil {
				return usageError{err: err}
			}

			lib := sts.DefaultLibrary()
			if templateDir != "" {
				lib = sts.NewDirLibrary(templateDir)
			}
			templates, err := lib.Templates(m)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range templates {
				_, _ = fmt.Fprintln(out, t.String())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&templateDir, "dir", "", "read templates from a NIST templates directory")
	return cmd
}

func parseLength(value string) (int, error) {
	m, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("template length must be an integer, got %q", value)
	}
	return m, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the assessment API and metrics, optionally assessing MQTT samples",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfigFunc()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log.Printf("environment: %s", cfg.Environment)
			return serve(cmd.Context(), cfg)
		},
	}
}

// serve starts the assessment API, the metrics server and, when enabled, the
// MQTT -> collector -> battery pipeline, then blocks until shutdown.
func serve(ctx context.Context, cfg stsconfig.Config) error {
	p, err := plan.FromConfig(cfg.Battery)
	if err != nil {
		return err
	}
	assessor, err := assess.NewAssessor(p, libraryFor(cfg.Battery), assess.WithParallelism(cfg.Battery.Parallelism))
	if err != nil {
		return err
	}

	var metricsHTTPServer metricsServer
	if cfg.Metrics.Enabled {
		metricsHTTPServer = newMetricsServerFunc(cfg.Metrics.Bind)
		go func() {
			var err error
			if cfg.Metrics.TLSEnabled {
				err = metricsHTTPServer.StartTLS(
					cfg.Metrics.TLSCertFile,
					cfg.Metrics.TLSKeyFile,
					cfg.Metrics.TLSCAFile,
					parseClientAuth(cfg.Metrics.TLSClientAuth),
				)
			} else {
				err = metricsHTTPServer.Start()
			}
			if err != nil {
				log.Printf("metrics: failed to start server: %v", err)
			}
		}()
	}

	assessServer, err := assess.NewServer(assess.ServerConfigFrom(cfg.Assess), assessor)
	if err != nil {
		return fmt.Errorf("start assess http server: %w", err)
	}
	if cfg.Assess.TLSEnabled {
		err = assessServer.StartTLS(
			cfg.Assess.TLSCertFile,
			cfg.Assess.TLSKeyFile,
			cfg.Assess.TLSCAFile,
			parseClientAuth(cfg.Assess.TLSClientAuth),
		)
	} else {
		err = assessServer.Start()
	}
	if err != nil {
		if metricsHTTPServer != nil {
			shutdownServers(nil, metricsHTTPServer)
		}
		return fmt.Errorf("start assess http server: %w", err)
	}

	var (
		sampleCollector *collector.SampleCollector
		client          mqttClient
	)
	if cfg.MQTT.Enabled {
		sampleCollector = setupSampleCollector(cfg.Collector, assessor)
		handler := &stsmqtt.RxHandler{
			Sink:            sampleCollector,
			Encoding:        cfg.MQTT.PayloadEncoding,
			MaxPayloadBytes: cfg.Assess.MaxBodyBytes,
		}
		client, err = connectMQTTWithRetry(ctx, cfg.MQTT, handler)
		if err != nil {
			sampleCollector.Close()
			shutdownServers(assessServer, metricsHTTPServer)
			return err
		}
	}

	log.Printf("randomness-sts: ready (%s)", cfg.String())
	waitForShutdownFunc(ctx)
	log.Println("shutting down gracefully...")

	if client != nil {
		client.Close()
	}
	if sampleCollector != nil {
		sampleCollector.Close()
	}
	shutdownServers(assessServer, metricsHTTPServer)

	log.Println("shutdown complete")
	return nil
}

// setupSampleCollector creates the collector that feeds MQTT samples to the
// assessor.
func setupSampleCollector(cfg stsconfig.Collector, assessor *assess.Assessor) *collector.SampleCollector {
	c := collector.New(cfg.SampleBytes, cfg.MinBytes, cfg.FlushInterval, assessor)
	log.Printf("sample collector: initialized (sample_bytes=%d, min_bytes=%d, flush_interval=%s)",
		cfg.SampleBytes, cfg.MinBytes, cfg.FlushInterval)
	return c
}

// connectMQTTWithRetry connects until it succeeds or ctx is done, backing
// off exponentially with bounded jitter so multiple instances do not retry
// in lockstep during broker outages.
func connectMQTTWithRetry(ctx context.Context, cfg stsconfig.MQTT, handler stsmqtt.Handler) (mqttClient, error) {
	const (
		initialDelay   = 1 * time.Second
		maxDelay       = 30 * time.Second
		jitterFraction = 0.2
	)

	delay := initialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; ; attempt++ {
		client, err := newMQTTClient(stsmqtt.ConfigFrom(cfg), handler)
		if err != nil {
			return nil, fmt.Errorf("mqtt init: %w", err)
		}
		if err = client.Connect(ctx); err == nil {
			log.Printf("mqtt: connected -> %s, subscribed -> %v (QoS=%d)", cfg.BrokerURL, cfg.Topics, cfg.QoS)
			if attempt > 1 {
				log.Printf("mqtt: connected after %d attempt(s)", attempt)
			}
			return client, nil
		}
		client.Close()

		jitter := 1 + (rng.Float64()*2-1)*jitterFraction
		wait := time.Duration(float64(delay) * jitter)
		log.Printf("mqtt: connect attempt %d failed: %v (retrying in %s)", attempt, err, wait)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("mqtt connect: %w", ctx.Err())
		case <-time.After(wait):
		}

		delay = min(delay*2, maxDelay)
	}
}

func shutdownServers(assessServer *assess.Server, metricsHTTPServer metricsServer) {
	if assessServer != nil {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := assessServer.Shutdown(shutdownContext); err != nil {
			log.Printf("assess http server: shutdown error: %v", err)
		}
	}

	if metricsHTTPServer != nil {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsHTTPServer.Shutdown(shutdownContext); err != nil {
			log.Printf("metrics http server: shutdown error: %v", err)
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received or ctx is done.
func waitForShutdown(ctx context.Context) {
	sig := make(chan os.Signal, 1)
	signalNotifyFunc(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-sig:
	case <-ctx.Done():
	}
}
