package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/alecthomas/kong"

	"github.com/jukasdrj/alexandria/internal"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Run the enrichment service."`

	Verbose bool `short:"v" help:"Enable debug logging."`
}

type serveCmd struct {
	Port        int    `default:"8788" env:"PORT" help:"Port to listen on."`
	DatabaseURL string `required:"" env:"DATABASE_URL" help:"Postgres connection string."`

	ISBNdbAPIKey      string `env:"ISBNDB_API_KEY" help:"ISBNdb API key."`
	GoogleBooksAPIKey string `env:"GOOGLE_BOOKS_API_KEY" help:"Google Books API key."`
	GeminiAPIKey      string `env:"GEMINI_API_KEY" help:"Gemini API key for backfill generation."`
	GeminiModel       string `env:"GEMINI_MODEL" default:"gemini-2.0-flash" help:"Gemini model name."`
	XAIAPIKey         string `env:"XAI_API_KEY" help:"xAI API key for backfill generation."`
	XAIModel          string `env:"XAI_MODEL" default:"grok-2-latest" help:"xAI model name."`

	EnableGoogleBooks bool `env:"ENABLE_GOOGLE_BOOKS_ENRICHMENT" help:"Include Google Books in supplementary enrichment."`

	WebhookURL    string `env:"WEBHOOK_URL" help:"Webhook for new-edition notifications."`
	WebhookSecret string `env:"WEBHOOK_SECRET" help:"Shared secret sent with webhook calls."`

	CDNBaseURL string `env:"CDN_BASE_URL" help:"Public base URL for mirrored covers."`

	DailyLimit   int `env:"DAILY_LIMIT" default:"15000" help:"ISBNdb daily call budget."`
	SafetyBuffer int `env:"SAFETY_BUFFER" default:"2000" help:"Calls held in reserve below the daily limit."`

	LockTimeout time.Duration `env:"DEFAULT_TIMEOUT" default:"10s" help:"Month advisory lock acquisition timeout."`
}

func main() {
	signalCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &cli{}
	kctx := kong.Parse(cli, kong.BindTo(signalCtx, (*context.Context)(nil)))

	logger := internal.NewLogger(cli.Verbose)
	if err := kctx.Run(); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func (cmd *serveCmd) Run(ctx context.Context) error {
	reg := internal.NewMetrics()

	engine, err := internal.NewEngine(ctx, internal.Config{
		DatabaseURL:       cmd.DatabaseURL,
		ISBNdbAPIKey:      cmd.ISBNdbAPIKey,
		GoogleBooksAPIKey: cmd.GoogleBooksAPIKey,
		GeminiAPIKey:      cmd.GeminiAPIKey,
		GeminiModel:       cmd.GeminiModel,
		XAIAPIKey:         cmd.XAIAPIKey,
		XAIModel:          cmd.XAIModel,
		EnableGoogleBooks: cmd.EnableGoogleBooks,
		WebhookURL:        cmd.WebhookURL,
		WebhookSecret:     cmd.WebhookSecret,
		CDNBaseURL:        cmd.CDNBaseURL,
		DailyLimit:        cmd.DailyLimit,
		SafetyBuffer:      cmd.SafetyBuffer,
		LockTimeout:       cmd.LockTimeout,
	}, reg)
	if err != nil {
		return err
	}
	defer engine.Close()

	go engine.Run(ctx)

	mux := internal.NewMux(internal.NewHandler(engine), reg)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cmd.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	internal.Log(ctx).Info("listening", "port", cmd.Port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
