package chatter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/chatter/core"
	"github.com/putto11262002/chatter/internal/api"
	"github.com/putto11262002/chatter/pkg/server"
)

// App wires the session, the REST client, the caches and the real-time
// channel together.
type App struct {
	config  *Config
	db      *core.SQLiteDB
	context context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	tokens    *core.SQLiteTokenStore
	api       *api.Client
	session   *core.Session
	friends   *core.FriendDirectory
	store     *core.ConversationStore
	channel   *core.Channel
	messenger *core.Messenger
	metrics   *server.Server

	// out receives inbound messages and console output.
	out io.Writer

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config, out io.Writer) *App {
	var err error
	app := &App{}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context, app.cancel = context.WithCancel(ctx)
	if out == nil {
		out = os.Stdout
	}
	app.out = out

	if config == nil {
		config, err = LoadConfig(nil)
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = NewLogger(os.Stderr, config.Log.Level)

	sqliteOptions := &core.SQLiteDBOption{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
	}
	app.db, err = core.NewSQLiteDB(app.config.Storage.File, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.tokens = core.NewSQLiteTokenStore(app.db.DB)
	app.api = api.New(app.config.API.BaseURL, app.tokens,
		api.WithTimeout(app.config.API.Timeout),
		api.WithLogger(app.logger.With(slog.String("component", "api"))))
	app.session = core.NewSession(app.tokens, app.api, app.logger.With(slog.String("component", "session")))
	app.friends = core.NewFriendDirectory(app.api, app.session, app.logger.With(slog.String("component", "friends")))
	app.store = core.NewConversationStore(app.api, app.friends, app.logger.With(slog.String("component", "store")))
	app.channel = core.NewChannel(app.context, app.config.Chat.URL, app.session,
		&printingSink{store: app.store, out: app.out},
		app.logger.With(slog.String("component", "channel")),
		core.WithReconnect(app.config.Chat.ReconnectAttempts, app.config.Chat.ReconnectDelay))
	app.messenger = core.NewMessenger(app.store, app.channel, app.session, app.logger)

	app.channel.OnStateChange(func(s core.ConnState) {
		app.logger.Info(fmt.Sprintf("channel %s", s))
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.channel.Disconnect()
	})

	if app.config.Metrics.Addr != "" {
		app.metrics = &server.Server{
			Server: &http.Server{
				Addr:    app.config.Metrics.Addr,
				Handler: MetricsRouter(),
			},
			Logger: app.logger.With(slog.String("component", "metrics")),
		}
	}

	return app
}

// NewLogger returns a text logger that reports the base name of the source
// file.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

func MetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Login signs in with identifier and password.
func (app *App) Login(ctx context.Context, identifier, password string) error {
	token, err := app.api.Login(ctx, api.Credentials{Identifier: identifier, Password: password})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return app.session.SetToken(ctx, token)
}

// Sync loads friends then conversations and opens the real-time channel.
func (app *App) Sync(ctx context.Context) error {
	if !app.session.IsAuthenticated() {
		return core.ErrNoIdentity
	}
	app.friends.LoadFriends(ctx)
	if err := app.friends.Err(); err != nil {
		app.logger.Warn(fmt.Sprintf("friends: %v", err))
	}
	app.store.LoadConversations(ctx)
	if err := app.store.Err(); err != nil {
		app.logger.Warn(fmt.Sprintf("conversations: %v", err))
	}
	return app.channel.Connect(ctx)
}

// Start restores the session, syncs and runs the console on in until it is
// closed or the app context ends.
func (app *App) Start(in io.Reader) {
	if err := app.session.Init(app.context); err != nil {
		app.logger.Error(fmt.Sprintf("restore session: %v", err))
	}
	if app.session.IsAuthenticated() {
		if err := app.Sync(app.context); err != nil {
			app.logger.Error(fmt.Sprintf("sync: %v", err))
		}
	} else {
		fmt.Fprintln(app.out, "not signed in, use: login <identifier> <password>")
	}

	if app.metrics != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			if err := app.metrics.Start(app.context); err != nil {
				app.logger.Error(err.Error())
			}
		}()
	}

	console := NewConsole(app, app.out)
	if err := console.Run(app.context, in); err != nil {
		app.logger.Error(fmt.Sprintf("console: %v", err))
	}
	app.cancel()

	code := app.shutdown()
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	}
}

func (app *App) shutdown() int {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()

	done := make(chan struct{})
	go func() {
		for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
			app.cleanupFuncs[i](closeCtx)
		}
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("app shutdown gracefully")
		return 0
	case <-closeCtx.Done():
		app.logger.Info("app shutdown timed out")
		return 1
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// printingSink prints every inbound message the store did not already have.
type printingSink struct {
	store *core.ConversationStore
	out   io.Writer
	mu    sync.Mutex
}

func (p *printingSink) AddMessage(chatID string, m core.Message) bool {
	added := p.store.AddMessage(chatID, m)
	if added {
		p.mu.Lock()
		fmt.Fprintln(p.out, formatMessage(m, p.store.CurrentChat() != chatID))
		p.mu.Unlock()
	}
	return added
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
