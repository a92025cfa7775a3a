package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ctrliq/keynotify/internal/pkg/config"
	"github.com/ctrliq/keynotify/internal/pkg/keywatch"
	"github.com/ctrliq/keynotify/internal/pkg/mailer"
	"github.com/ctrliq/keynotify/internal/pkg/notifier"
	"github.com/ctrliq/keynotify/internal/pkg/profile"
	"github.com/ctrliq/keynotify/internal/pkg/taskqueue"
	"github.com/ctrliq/keynotify/pkg/database"
	"github.com/ctrliq/keynotify/pkg/hkp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// set by mage at build time
var version string

var configPath = filepath.Join(config.Dir, config.File)

// app holds the components wired from the configuration.
type app struct {
	cfg config.Config
	db  database.Engine

	registry   *taskqueue.Registry
	pool       *taskqueue.Pool
	sender     mailer.Sender
	clients    *hkp.Clients
	dispatcher *notifier.Dispatcher
	watcher    *keywatch.Watcher
	updater    *profile.Updater
}

// newApp parses the configuration, connects to the database and
// wires every component, the sender is replaced when not nil.
func newApp(sender mailer.Sender) (*app, error) {
	cfg, err := config.Parse(configPath)
	if err != nil {
		return nil, fmt.Errorf("while parsing configuration file: %s", err)
	}
	if err := config.Check(&cfg); err != nil {
		return nil, fmt.Errorf("while checking configuration: %s", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	db, ok := database.GetDatabaseEngine(cfg.DBEngine)
	if !ok {
		return nil, fmt.Errorf("no database engine %s", cfg.DBEngine)
	}
	if err := db.Connect(); err != nil {
		return nil, fmt.Errorf("while connecting to database: %s", err)
	}

	if sender == nil {
		sender, err = mailer.New(&cfg.Mail)
		if err != nil {
			db.Disconnect()
			return nil, err
		}
	}

	a := &app{
		cfg:      cfg,
		db:       db,
		registry: taskqueue.NewRegistry(),
		sender:   sender,
		clients:  hkp.NewClients(cfg.Keyserver),
	}
	a.pool = taskqueue.NewPool(a.registry, db, cfg.Queue)

	fetcher := profile.HKPFetcher(a.clients)

	a.dispatcher = notifier.New(db, a.pool, sender, &a.cfg.Mail)
	a.dispatcher.Register(a.registry)
	a.watcher = keywatch.New(db, a.pool, sender, &a.cfg.Mail, fetcher, cfg.KeyWatch)
	a.watcher.Register(a.registry)
	a.updater = profile.NewUpdater(db, fetcher)

	return a, nil
}

func (a *app) close() {
	if err := a.db.Disconnect(); err != nil {
		logrus.Errorf("While disconnecting from database: %s", err)
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case s := <-c:
			logrus.WithField("signal", s).Info("Interrupted by signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if v == "" {
				v = "devel"
			}
			fmt.Printf("keynotify version %s\n", v)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "keynotify",
		Short:         "Public key registry and email notification service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", configPath, "Configuration file path")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("keynotify")
	}
}
