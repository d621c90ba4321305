package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/luma/beacon/internal/env"
	"github.com/luma/beacon/storage"
	"github.com/luma/beacon/transport"
)

var (
	// The host to listen on
	host string

	// The port for the admin API
	httpPort int

	// The port for line protocol clients
	port int

	// The port for HTTP and WebSocket clients
	webPort int

	listeners int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 7363, "The port to listen for line protocol clients on")
	flags.IntVar(&webPort, "web-port", 7364, "The port to listen for HTTP and WebSocket clients on")
	flags.IntVar(&httpPort, "http-port", 7362, "The port to serve the admin API on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVar(&listeners, "listeners", 0, "SO_REUSEPORT listeners per server, defaults to the number of CPUs")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Beacon servers",
	Long: `Start the Beacon servers: the line protocol server, the HTTP and
WebSocket server and the admin API. Limits and framing come from BEACON_*
environment variables, optionally loaded from .env.local.

Usage
	beacon start --port 7363 --web-port 7364

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		log, err := env.MakeLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		store := storage.NewInmemoryStore()
		defer store.Close()

		manager := transport.NewManager()

		go transport.NewPublisher(store, manager, log.Named("publisher")).Run(ctx)

		line := transport.NewTCP(transport.Options{
			Host:            host,
			Port:            port,
			Reuseport:       true,
			NumListeners:    listeners,
			MaxConns:        conf.MaxConns,
			KeepAlivePeriod: conf.TCPKeepAlive,
			Handler:         transport.NewLineHandler(store, manager, conf.LineOptions(), log.Named("line")),
			Log:             log.Named("transport.line"),
		})

		if err := line.Start(ctx); err != nil {
			return err
		}

		web := transport.NewTCP(transport.Options{
			Host:            host,
			Port:            webPort,
			Reuseport:       true,
			NumListeners:    listeners,
			MaxConns:        conf.MaxConns,
			KeepAlivePeriod: conf.TCPKeepAlive,
			Handler:         transport.NewWebHandler(store, manager, conf.WebOptions(), log.Named("web")),
			Log:             log.Named("transport.web"),
		})

		if err := web.Start(ctx); err != nil {
			line.Close()
			return err
		}

		router := setupRouter(conf.DebugHTTP, log.Named("admin"))
		adminRoutes(router, manager)

		s := &http.Server{
			Addr:    net.JoinHostPort(host, strconv.Itoa(httpPort)),
			Handler: router,
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Admin server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.Any("config", conf),
			zap.String("line", line.Addr().String()),
			zap.String("web", web.Addr().String()),
			zap.Int("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The admin API has 5 seconds to finish the request it is handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Error("Admin server forced to shutdown", zap.Error(err))
		}

		err = multierr.Combine(line.Close(), web.Close(), manager.CloseSessions())
		if err != nil {
			log.Error("Servers did not shut down cleanly", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setFileLimit() (uint64, error) {
	var rLimit unix.Rlimit

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
