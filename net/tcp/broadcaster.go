package tcp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Meander-Cloud/go-relay/config"
	"github.com/Meander-Cloud/go-relay/metrics"
	m "github.com/Meander-Cloud/go-relay/message"
	tp "github.com/Meander-Cloud/go-relay/net/tcp/protocol"
)

type BroadcasterOptions struct {
	*Options

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Fanout       int
}

// Report is the outcome of one broadcast. Peer names are sorted.
type Report struct {
	Delivered []string
	Refused   []string
	Failed    []string

	Err error // every per-peer failure, combined
}

func (r *Report) Attempted() int {
	return len(r.Delivered) + len(r.Refused) + len(r.Failed)
}

// Broadcaster delivers a chat line to every peer of a directory over a fresh
// one-shot connection per peer. Peers are contacted in parallel and one
// unreachable peer never holds back the rest.
type Broadcaster struct {
	options *BroadcasterOptions
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewBroadcaster(options *BroadcasterOptions) (*Broadcaster, error) {
	if options == nil || options.Options == nil {
		err := fmt.Errorf("nil options")
		zap.S().Warnf("%s", err.Error())
		return nil, err
	}
	if options.Fanout <= 0 {
		err := fmt.Errorf("%s: invalid Fanout=%d", options.LogPrefix, options.Fanout)
		options.log().Warnf("%s", err.Error())
		return nil, err
	}

	return &Broadcaster{
		options: options,
		log:     options.log(),
		metrics: options.metrics(),
	}, nil
}

// Broadcast encodes messageStruct once and sends it to every entry of
// directory. It returns when every attempt has finished.
func (b *Broadcaster) Broadcast(ctx context.Context, directory *config.Directory, messageStruct *m.Message) *Report {
	report := new(Report)

	buf, err := tp.EncodeMessage(messageStruct, b.options.MaxPayloadLen)
	if err != nil {
		err = fmt.Errorf("%s: broadcast aborted, err=%w", b.options.LogPrefix, err)
		b.log.Warnf("%s", err.Error())
		report.Err = err
		return report
	}

	entries := directory.Entries()
	if len(entries) == 0 {
		if b.options.LogDebug {
			b.log.Debugf("%s: no peers, txseq=%d", b.options.LogPrefix, messageStruct.Txseq)
		}
		return report
	}

	var mutex sync.Mutex
	var errs error

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(b.options.Fanout)

	for _, entry := range entries {
		eg.Go(func() error {
			sendErr := tp.SendOnce(egctx, entry.Address(), buf, b.options.DialTimeout, b.options.WriteTimeout)

			mutex.Lock()
			defer mutex.Unlock()

			b.record(report, entry, messageStruct.Txseq, sendErr)
			if sendErr != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", entry.Name, sendErr))
			}

			// a failed peer never cancels the others
			return nil
		})
	}
	eg.Wait() // wait

	report.Err = errs
	sortReport(report)
	return report
}

// invoked with report mutex held
func (b *Broadcaster) record(report *Report, entry config.PeerEntry, txseq uint64, err error) {
	descriptor := fmt.Sprintf("%s-><%s>%s", b.options.SelfID, entry.Address(), entry.Name)

	switch {
	case err == nil:
		report.Delivered = append(report.Delivered, entry.Name)
		b.metrics.Deliveries.WithLabelValues(metrics.ResultDelivered).Inc()
		if b.options.LogDebug {
			b.log.Debugf("%s: %s: delivered txseq=%d", b.options.LogPrefix, descriptor, txseq)
		}
	case IsRefused(err):
		// peer not running, routine
		report.Refused = append(report.Refused, entry.Name)
		b.metrics.Deliveries.WithLabelValues(metrics.ResultRefused).Inc()
		b.log.Debugf("%s: %s: connection refused, txseq=%d", b.options.LogPrefix, descriptor, txseq)
	default:
		report.Failed = append(report.Failed, entry.Name)
		b.metrics.Deliveries.WithLabelValues(metrics.ResultFailed).Inc()
		b.log.Warnf("%s: %s: delivery failed, txseq=%d, err=%s", b.options.LogPrefix, descriptor, txseq, err.Error())
	}
}

// IsRefused reports whether err is a refused connection attempt.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func sortReport(report *Report) {
	slices.Sort(report.Delivered)
	slices.Sort(report.Refused)
	slices.Sort(report.Failed)
}
