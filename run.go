package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
	"github.com/Meander-Cloud/go-relay/metrics"
	"github.com/Meander-Cloud/go-relay/relay"
)

type runFlags struct {
	config  string
	watch   bool
	metrics string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a relay node",
		Long: `Run a relay node configured from a YAML file.

Inbound chat is printed to stdout. Lines typed on stdin are broadcast to every
peer, except for the commands:
  clients  list the registered clients
  reload   re-read the configuration and rebind the listener
  stop     stop the node and exit

Closing stdin keeps the node relaying until it is signalled. A missing
configuration file is created with defaults at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.config == "" {
				flags.config = env.Config
			}
			return runNode(cmd.Context(), flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.config, "config", "c", env.Config, "configuration file")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", env.Watch, "reload when the configuration file changes")
	cmd.Flags().StringVar(&flags.metrics, "metrics", env.MetricsAddress, "serve prometheus metrics on this address")

	return cmd
}

func runNode(parent context.Context, flags *runFlags, stdin io.Reader, stdout io.Writer) error {
	log := zap.S()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// reload must not resurrect defaults, only first start seeds them
	err := config.Seed(flags.config)
	if err != nil {
		return err
	}

	n, err := relay.NewNode(
		&relay.Options{
			Load: func() (*config.Config, error) {
				return config.LoadFile(flags.config)
			},
			Display: relay.NewWriterDisplay(stdout),
			Logger:  log,
			Metrics: metrics.New(reg),
		},
	)
	if err != nil {
		return err
	}
	defer n.Stop()

	// a bind failure is not fatal, reload retries it
	n.Start(ctx)

	if flags.watch {
		err = n.Watch(ctx, flags.config)
		if err != nil {
			return err
		}
	}

	if flags.metrics != "" {
		srv := &http.Server{
			Addr:              flags.metrics,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			err := srv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("metrics server on %s failed, err=%s", flags.metrics, err.Error())
			}
		}()
		defer srv.Close()
		log.Infof("serving metrics on %s", flags.metrics)
	}

	linech := make(chan string)
	go scanLines(stdin, linech)

	for {
		select {
		case <-ctx.Done():
			log.Infof("received signal, exiting")
			return n.Stop()
		case line, ok := <-linech:
			if !ok {
				// keep relaying until signalled
				log.Infof("stdin closed, waiting for signal")
				linech = nil
				continue
			}

			switch strings.TrimSpace(line) {
			case "":
			case "stop":
				return n.Stop()
			case "clients":
				clients := n.Clients()
				fmt.Fprintf(stdout, "%d registered clients\n", len(clients))
				for _, descriptor := range clients {
					fmt.Fprintf(stdout, "  %s\n", descriptor)
				}
			case "reload":
				err := n.Reload(ctx)
				if err != nil {
					fmt.Fprintf(stdout, "reload failed: %s\n", err.Error())
					continue
				}
				fmt.Fprintf(stdout, "reloaded, listening on %s\n", n.Addr())
			default:
				err := n.Publish(line)
				if err != nil {
					return err
				}
			}
		}
	}
}

func scanLines(r io.Reader, linech chan<- string) {
	defer close(linech)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		linech <- scanner.Text()
	}
}
