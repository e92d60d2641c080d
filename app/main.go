package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/joho/godotenv"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/briefly/app/notify"
	"github.com/umputun/briefly/app/service"
	"github.com/umputun/briefly/app/web"
)

var opts struct {
	Listen       string        `short:"l" long:"listen" env:"BRIEFLY_LISTEN" default:":8080" description:"listen address"`
	DatabaseURL  string        `long:"database-url" env:"DATABASE_URL" description:"postgres url, embedded sqlite is used if empty"`
	SQLitePath   string        `long:"sqlite" env:"BRIEFLY_SQLITE" default:".cache/jobs.db" description:"sqlite database file"`
	WaitInterval time.Duration `long:"wait-interval" env:"BRIEFLY_WAIT_INTERVAL" default:"500ms" description:"poll interval of wait endpoint"`
	MaxWait      time.Duration `long:"max-wait" env:"BRIEFLY_MAX_WAIT" default:"1m" description:"max timeout of wait endpoint"`
	Dbg          bool          `long:"dbg" env:"BRIEFLY_DEBUG" description:"debug mode"`

	N8N struct {
		BaseURL     string        `long:"base-url" env:"BASE_URL" description:"n8n base url, delegation is disabled if empty"`
		WebhookPath string        `long:"webhook-path" env:"WEBHOOK_PATH" default:"/webhook/briefing" description:"workflow trigger path"`
		APIKey      string        `long:"api-key" env:"API_KEY" description:"n8n api key"`
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"trigger request timeout"`
		Concurrency int           `long:"concurrency" env:"CONCURRENCY" default:"8" description:"max in-flight triggers"`
		OnFailure   string        `long:"on-failure" env:"ON_FAILURE" choice:"keep" choice:"fail" default:"keep" description:"job policy if trigger failed"`
		SecretHash  string        `long:"secret-hash" env:"SECRET_HASH" description:"bcrypt hash of webhook token"`
		RateLimit   float64       `long:"rate-limit" env:"RATE_LIMIT" default:"50" description:"webhook requests per second per ip"`
		Attempts    int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"trigger attempts"`
		Duration    time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial retry delay"`
		Factor      float64       `long:"factor" env:"FACTOR" default:"2" description:"retry backoff factor"`
		Jitter      bool          `long:"jitter" env:"JITTER" description:"retry jitter"`
	} `group:"n8n" namespace:"n8n" env-namespace:"BRIEFLY_N8N"`

	Retention struct {
		Age      time.Duration `long:"age" env:"AGE" default:"72h" description:"remove finished jobs older than this, 0 to keep forever"`
		Schedule string        `long:"schedule" env:"SCHEDULE" default:"@every 1h" description:"cleanup schedule"`
	} `group:"retention" namespace:"retention" env-namespace:"BRIEFLY_RETENTION"`

	Notify struct {
		Webhooks []string      `long:"webhook" env:"WEBHOOKS" env-delim:"," description:"webhook urls for finished jobs"`
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"BRIEFLY_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"briefly.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep old logs"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of old logs"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress old logs"`
	} `group:"log" namespace:"log" env-namespace:"BRIEFLY_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("briefly %s\n", revision)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Printf("can't load .env, %v\n", err)
	}
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM
	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	policy, err := service.ParseFailurePolicy(opts.N8N.OnFailure)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := service.OpenBackend(ctx, opts.DatabaseURL, opts.SQLitePath)
	if err != nil {
		return err
	}
	svc := service.New(service.Params{Backend: backend, Notifier: makeNotifier()})
	defer func() {
		if e := svc.Close(); e != nil {
			log.Printf("[WARN] can't close job storage, %v", e)
		}
	}()
	if err = svc.Init(ctx); err != nil {
		return fmt.Errorf("failed to init job storage: %w", err)
	}

	delegator := makeDelegator(policy, svc)
	if delegator.Enabled() {
		log.Printf("[INFO] jobs delegated to %s, on failure %s", delegator.URL(), policy)
	} else {
		log.Printf("[WARN] workflow engine is not configured, new jobs stay pending until reported through webhooks")
	}
	defer delegator.Shutdown()

	retention := service.Retention{Purger: svc, Age: opts.Retention.Age, Schedule: opts.Retention.Schedule}
	go func() {
		if e := retention.Run(ctx); e != nil {
			log.Printf("[ERROR] retention failed, %v", e)
			cancel()
		}
	}()

	srv, err := web.New(web.Config{
		Service:           svc,
		Delegator:         delegator,
		Version:           revision,
		WebhookSecretHash: opts.N8N.SecretHash,
		WebhookRateLimit:  opts.N8N.RateLimit,
		WaitInterval:      opts.WaitInterval,
		MaxWait:           opts.MaxWait,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Listen)
}

func makeDelegator(policy service.FailurePolicy, failer service.JobFailer) *service.Delegator {
	rptr := repeater.New(&strategy.Backoff{Repeats: max(opts.N8N.Attempts, 1), Duration: opts.N8N.Duration,
		Factor: opts.N8N.Factor, Jitter: opts.N8N.Jitter})
	return service.NewDelegator(service.DelegatorParams{
		BaseURL:     opts.N8N.BaseURL,
		WebhookPath: opts.N8N.WebhookPath,
		APIKey:      opts.N8N.APIKey,
		Timeout:     opts.N8N.Timeout,
		Concurrency: opts.N8N.Concurrency,
		Repeater:    rptr,
		OnFailure:   policy,
		Failer:      failer,
	})
}

// makeNotifier returns nil interface if no notification destinations defined
func makeNotifier() service.Notifier {
	res := notify.NewService(notify.Params{Destinations: opts.Notify.Webhooks, Timeout: opts.Notify.Timeout})
	if res == nil {
		return nil
	}
	return res
}

func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxAge:     opts.Log.MaxAge,
			MaxBackups: opts.Log.MaxBackups,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFile, log.CallerFunc)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] got %s, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
