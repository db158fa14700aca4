package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/parley-live/parley/internal/config"
	"github.com/parley-live/parley/internal/observability"
	"github.com/parley-live/parley/pkg/audio/wav"
	"github.com/parley-live/parley/pkg/bridge"
	"github.com/parley-live/parley/pkg/provider"
	"github.com/parley-live/parley/pkg/room"
	"github.com/parley-live/parley/pkg/rtc"
	"github.com/parley-live/parley/pkg/session"
	"github.com/parley-live/parley/pkg/speech"
	"github.com/parley-live/parley/pkg/token"
	"github.com/parley-live/parley/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - client-side session core for realtime agent conversations",
	Long: `parley manages per-user conversation rooms on a LiveKit deployment: it
creates and reuses rooms, mints join credentials, joins as a participant and
streams the application events (speech, transcripts, errors) the session
derives from the room.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Room management commands",
}

var roomCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create or reuse the conversation room for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		logger := setupLogger()
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newProvider(cfg, logger)
		if err != nil {
			return err
		}
		rooms, err := room.NewRegistry(room.Config{
			Provider:           p,
			Prefix:             cfg.RoomPrefix,
			MaxSessionDuration: cfg.MaxSessionDuration,
			MaxParticipants:    cfg.MaxParticipants,
			Logger:             logger,
		})
		if err != nil {
			return err
		}

		rm, err := rooms.GetOrCreate(context.Background(), userID, cfg.RoomPersistence)
		if err != nil {
			return err
		}

		fmt.Printf("name:    %s\n", rm.RoomName)
		fmt.Printf("id:      %s\n", rm.RoomID)
		fmt.Printf("url:     %s\n", rm.RoomURL)
		fmt.Printf("reused:  %t\n", rm.Reused)
		if !rm.HardExpiresAt.IsZero() {
			fmt.Printf("expires: %s\n", rm.HardExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

var roomGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch a room by name",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		logger := setupLogger()
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newProvider(cfg, logger)
		if err != nil {
			return err
		}

		rm, err := p.GetRoom(context.Background(), name)
		if err != nil {
			return err
		}

		fmt.Printf("name:             %s\n", rm.Name)
		fmt.Printf("id:               %s\n", rm.ID)
		fmt.Printf("url:              %s\n", rm.URL)
		fmt.Printf("created:          %s\n", rm.CreatedAt.Format(time.RFC3339))
		fmt.Printf("privacy:          %s\n", rm.Properties.Privacy)
		fmt.Printf("max participants: %d\n", rm.Properties.MaxParticipants)
		if rm.Properties.ExpiresAt > 0 {
			fmt.Printf("expires:          %s\n", time.Unix(rm.Properties.ExpiresAt, 0).Format(time.RFC3339))
		}
		return nil
	},
}

var roomDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a room by name",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		logger := setupLogger()
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newProvider(cfg, logger)
		if err != nil {
			return err
		}

		if err := p.DeleteRoom(context.Background(), name); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", name)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Credential commands",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Mint a join credential for a room",
	RunE: func(cmd *cobra.Command, args []string) error {
		roomName, _ := cmd.Flags().GetString("room")
		userID, _ := cmd.Flags().GetString("user")
		displayName, _ := cmd.Flags().GetString("display-name")
		owner, _ := cmd.Flags().GetBool("owner")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		logger := setupLogger()
		if roomName == "" {
			return fmt.Errorf("--room is required")
		}
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		p, err := newProvider(cfg, logger)
		if err != nil {
			return err
		}

		ctx := context.Background()

		// Resolve the room first so the credential lifetime gets clamped to
		// the room expiry the same way session joins are.
		rm, err := p.GetRoom(ctx, roomName)
		if err != nil {
			return err
		}
		var roomExpiry time.Time
		if rm.Properties.ExpiresAt > 0 {
			roomExpiry = time.Unix(rm.Properties.ExpiresAt, 0)
		}

		issuer, err := token.NewIssuer(token.Config{Provider: p, Logger: logger})
		if err != nil {
			return err
		}
		cred, err := issuer.Issue(ctx, token.Request{
			RoomName:      rm.Name,
			RoomID:        rm.ID,
			UserID:        userID,
			DisplayName:   displayName,
			Owner:         owner,
			TTL:           ttl,
			RoomExpiresAt: roomExpiry,
		})
		if err != nil {
			return err
		}

		logger.Info("Issued credential",
			slog.String("room", rm.Name),
			slog.String("user", cred.UserID),
			slog.Bool("owner", cred.Owner),
			slog.Time("expires", cred.ExpiresAt))
		fmt.Println(cred.Token)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join the user's room and stream application events",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		displayName, _ := cmd.Flags().GetString("display-name")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		logger := setupLogger()
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if metricsAddr == "" {
			metricsAddr = cfg.MetricsAddr
		}

		// Cancel on interrupt so the room gets left and closed cleanly.
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runJoin(ctx, cfg, userID, displayName, metricsAddr, logger)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Detect speaking segments in a WAV recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, _ := cmd.Flags().GetFloat64("threshold")
		debounce, _ := cmd.Flags().GetDuration("debounce")

		logger := setupLogger()
		return runAnalyze(args[0], threshold, debounce, logger)
	},
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("PARLEY_LOG_FORMAT")
	logLevel := os.Getenv("PARLEY_LOG_LEVEL")

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	// Logs go to stderr; stdout carries command output and the join event
	// stream.
	var handler slog.Handler
	if logFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newProvider(cfg config.Config, logger *slog.Logger) (*provider.LiveKit, error) {
	p, err := provider.NewLiveKit(provider.LiveKitConfig{
		URL:       cfg.URL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("provider setup failed (set PARLEY_URL, PARLEY_API_KEY and PARLEY_API_SECRET): %w", err)
	}
	return p, nil
}

func runJoin(ctx context.Context, cfg config.Config, userID, displayName, metricsAddr string, logger *slog.Logger) error {
	p, err := newProvider(cfg, logger)
	if err != nil {
		return err
	}

	opts := session.Options{
		Provider:           p,
		PersonaName:        cfg.PersonaName,
		RoomPrefix:         cfg.RoomPrefix,
		AudioThreshold:     cfg.AudioThreshold,
		SpeechDebounce:     cfg.SpeechDebounce,
		LevelThrottle:      cfg.LevelThrottle,
		MaxSessionDuration: cfg.MaxSessionDuration,
		RoomPersistence:    cfg.RoomPersistence,
		ReconnectWindow:    cfg.ReconnectWindow,
		MaxParticipants:    cfg.MaxParticipants,
		SweepInterval:      cfg.SweepInterval,
		RelayURL:           cfg.RelayURL,
		RelayToken:         cfg.RelayToken,
		Logger:             logger,
	}
	var registry *prometheus.Registry
	if metricsAddr != "" {
		registry = prometheus.NewRegistry()
		opts.Registerer = registry
	}

	sess, err := session.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("Session close failed", slog.String("error", err.Error()))
		}
	}()

	if registry != nil {
		stopMetrics, err := serveMetrics(metricsAddr, registry, logger)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	rm, cred, err := sess.Start(ctx, userID, displayName)
	if err != nil {
		return err
	}
	logger.Info("Session started",
		slog.String("room", rm.RoomName),
		slog.String("room_id", rm.RoomID),
		slog.Bool("reused", rm.Reused))

	unsubscribe := sess.SubscribeAll(printEvent)
	defer unsubscribe()

	transport, err := rtc.ConnectLiveKit(rtc.LiveKitConfig{
		URL:    cfg.URL,
		Token:  cred.Token,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	if err := sess.Attach(transport); err != nil {
		transport.Close()
		return err
	}

	logger.Info("Joined room, streaming events until interrupted",
		slog.String("room", rm.RoomName))
	<-ctx.Done()

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Leave(leaveCtx); err != nil {
		logger.Warn("Leave failed", slog.String("error", err.Error()))
	}
	return nil
}

// printEvent renders one application event on stdout.
func printEvent(ev bridge.Event) {
	switch ev.Kind {
	case bridge.KindTranscript:
		if ev.Transcript == nil {
			return
		}
		suffix := ""
		if !ev.Transcript.Final {
			suffix = " ..."
		}
		fmt.Printf("[%s] %s%s\n", ev.Transcript.Source, ev.Transcript.Text, suffix)
	case bridge.KindSpeechStart:
		fmt.Printf("-- %s started speaking (level %.3f)\n", ev.ParticipantID, ev.Level)
	case bridge.KindSpeechEnd:
		fmt.Printf("-- %s stopped speaking\n", ev.ParticipantID)
	case bridge.KindError:
		if ev.Err == nil {
			return
		}
		fmt.Printf("!! %s error %s: %s\n", ev.Err.Class, ev.Err.Code, ev.Err.Message)
	case bridge.KindMessage:
		if ev.Seq > 0 {
			fmt.Printf("-- message #%d: %s\n", ev.Seq, ev.Payload)
			return
		}
		fmt.Printf("-- message: %s\n", ev.Payload)
	}
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener failed: %w", err)
	}

	router := chi.NewRouter()
	router.Handle("/metrics", observability.MetricsHandler(gatherer))
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("Serving metrics", slog.String("addr", listener.Addr().String()))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}, nil
}

// runAnalyze reports speaking segments in a recording. It applies the same
// threshold and debounce rules as the live detector, but measured in frame
// timestamps rather than wall-clock time so a file analyzes instantly.
func runAnalyze(path string, threshold float64, debounce time.Duration, logger *slog.Logger) error {
	if threshold <= 0 {
		threshold = speech.DefaultThreshold
	}
	if debounce <= 0 {
		debounce = speech.DefaultDebounce
	}

	reader, err := wav.NewReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	header := reader.Header()
	logger.Info("Analyzing recording",
		slog.String("file", path),
		slog.Int("sample_rate", int(header.SampleRate)),
		slog.Int("channels", int(header.NumChannels)),
		slog.Duration("duration", header.Duration()))

	type segment struct {
		start, end time.Duration
	}
	var (
		segments  []segment
		speaking  bool
		start     time.Duration
		quietFrom time.Duration
		quiet     time.Duration
	)

	for {
		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		loud := speech.Level(frame.Mono(), frame.SampleRate) > threshold
		switch {
		case loud && !speaking:
			speaking = true
			start = frame.Timestamp
		case loud:
			quiet = 0
		case speaking:
			if quiet == 0 {
				quietFrom = frame.Timestamp
			}
			quiet += frame.Duration()
			if quiet >= debounce {
				segments = append(segments, segment{start: start, end: quietFrom})
				speaking = false
				quiet = 0
			}
		}
	}
	if speaking {
		// Recording ended mid-segment: stamp the end where the trailing
		// silence began, or at end of file if it never went quiet.
		end := header.Duration()
		if quiet > 0 {
			end = quietFrom
		}
		segments = append(segments, segment{start: start, end: end})
	}

	if len(segments) == 0 {
		fmt.Println("no speech detected")
		return nil
	}
	for i, seg := range segments {
		fmt.Printf("segment %d: %s - %s (%.1fs)\n", i+1, seg.start, seg.end, (seg.end - seg.start).Seconds())
	}
	return nil
}

func init() {
	// Room commands
	roomCreateCmd.Flags().String("user", "", "User ID the room belongs to")
	roomGetCmd.Flags().String("name", "", "Room name")
	roomDeleteCmd.Flags().String("name", "", "Room name")

	// Token commands
	tokenIssueCmd.Flags().String("room", "", "Room name the credential joins")
	tokenIssueCmd.Flags().String("user", "", "User ID embedded in the credential")
	tokenIssueCmd.Flags().String("display-name", "", "Human-readable participant name")
	tokenIssueCmd.Flags().Bool("owner", false, "Grant room administration rights")
	tokenIssueCmd.Flags().Duration("ttl", 0, "Credential lifetime (default 1h, clamped to room expiry)")

	// Join command
	joinCmd.Flags().String("user", "", "User ID to join as")
	joinCmd.Flags().String("display-name", "", "Human-readable participant name")
	joinCmd.Flags().String("metrics-addr", "", "Serve /metrics and /healthz on this address (overrides PARLEY_METRICS_ADDR)")

	// Analyze command
	analyzeCmd.Flags().Float64("threshold", 0, "Speaking level threshold (default 0.012)")
	analyzeCmd.Flags().Duration("debounce", 0, "Silence needed to close a segment (default 500ms)")

	// Mark required flags
	roomCreateCmd.MarkFlagRequired("user")
	roomGetCmd.MarkFlagRequired("name")
	roomDeleteCmd.MarkFlagRequired("name")
	tokenIssueCmd.MarkFlagRequired("room")
	tokenIssueCmd.MarkFlagRequired("user")
	joinCmd.MarkFlagRequired("user")

	// Build command tree
	roomCmd.AddCommand(roomCreateCmd, roomGetCmd, roomDeleteCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(versionCmd, roomCmd, tokenCmd, joinCmd, analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
