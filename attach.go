package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-relay/config"
	m "github.com/Meander-Cloud/go-relay/message"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

type attachFlags struct {
	address string
	name    string
}

func newAttachCmd() *cobra.Command {
	flags := &attachFlags{}

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Register with a node and send stdin lines as chat",
		Long: `Open a registration connection to a relay node and keep it open.

Every line read from stdin is sent to the node as one chat frame; the node
shows it on its display. The session ends at end of input or on a signal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return attach(ctx, flags, cmd)
		},
	}

	cmd.Flags().StringVarP(&flags.address, "address", "a", "127.0.0.1:5209", "node address")
	cmd.Flags().StringVarP(&flags.name, "name", "n", "client", "name shown with each line")

	return cmd
}

func attach(ctx context.Context, flags *attachFlags, cmd *cobra.Command) error {
	s, err := tp.Register(
		ctx,
		&tp.SessionOptions{
			Address: flags.address,
			Origin: &m.Origin{
				Name:     flags.name,
				Instance: uuid.NewString(),
				Time:     time.Now().UTC().UnixMilli(),
			},
			DialTimeout:   config.TcpDialTimeout,
			WriteTimeout:  config.TcpWriteTimeout,
			MaxPayloadLen: config.MaxPayloadLen,
			LogPrefix:     "attach",
			Logger:        zap.S(),
		},
	)
	if err != nil {
		return err
	}
	defer s.Close()

	linech := make(chan string)
	go scanLines(cmd.InOrStdin(), linech)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-linech:
			if !ok {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}

			err = s.Send([]byte(line))
			if err != nil {
				return err
			}
		}
	}
}
