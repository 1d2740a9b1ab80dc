package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/rs/zerolog/log"
)

func usage() {
	fmt.Printf("Usage: replay -d <data-dir> [-instance id] [-q queue] [-max-retention duration] [-list] [-nats-urls urls -nats-subject subject]\n")
	flag.PrintDefaults()
}

func showUsageAndExit(exitcode int) {
	usage()
	os.Exit(exitcode)
}

var showHelp = flag.Bool("h", false, "Show help message")
var dataDir = flag.String("d", requeue.DefaultBadgerDataPath, "The directory requests are stored in")
var queueName = flag.String("q", "default", "The name of the queue to replay")
var maxRetention = flag.Duration("max-retention", requeue.DefaultMaxRetentionTime, "Drop requests older than this. 0 keeps them forever")
var instance = flag.String("instance", "", "Read requests from this instance's subdirectory of the data directory")
var list = flag.Bool("list", false, "List the queued requests instead of replaying them")
var timeout = flag.Duration("timeout", 30*time.Second, "Timeout for each replayed request")
var natsURLs = flag.String("nats-urls", "", "Comma separated NATS server URLs. When set, requests are replayed over NATS")
var natsSubject = flag.String("nats-subject", "requeue.replay", "The subject replayed requests are sent to")
var natsUserCredsFile = flag.String("nats-creds", "", "User Credentials File")

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		showUsageAndExit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()

	transport, closeTransport, err := newTransport()
	if err != nil {
		log.Fatal().Err(err).Msg("replay: unable to set up transport")
	}
	defer closeTransport()

	options := []requeue.Option{
		requeue.Context(ctx),
		requeue.BadgerDataPath(*dataDir),
		requeue.MaxRetentionTime(*maxRetention),
		requeue.WithTransport(transport),
	}
	if *instance != "" {
		options = append(options, requeue.InstanceID(*instance))
	}
	if *list {
		// Listing must not send anything.
		options = append(options, requeue.WithSyncer(listSyncer{}))
	}

	// Without a syncer the queue replays once as it is created.
	q, err := requeue.New(*queueName, options...)
	if err != nil {
		log.Fatal().Err(err).Str("queue", *queueName).Msg("replay: unable to open queue")
	}
	defer q.Close()

	if *list {
		listRequests(q)
		return
	}

	size, err := q.Size()
	if err != nil {
		log.Fatal().Err(err).Msg("replay: unable to read queue")
	}
	if size > 0 {
		log.Warn().Int("remaining", size).Str("queue", *queueName).Msg("replay: requests remain queued")
		os.Exit(1)
	}
	log.Info().Str("queue", *queueName).Msg("replay: queue drained")
}

func listRequests(q *requeue.Queue) {
	requests, err := q.AllRequests()
	if err != nil {
		log.Fatal().Err(err).Msg("replay: unable to list requests")
	}
	for _, r := range requests {
		fmt.Printf("%s\t%s %s\n", r.Timestamp.Format(time.RFC3339), r.Request.Method, r.Request.URL)
	}
}

func newTransport() (requeue.Transport, func(), error) {
	if *natsURLs == "" {
		t := requeue.NewHTTPTransport(nil)
		return requeue.TransportFunc(func(ctx context.Context, r *http.Request) error {
			ctx, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			return t.Send(ctx, r)
		}), func() {}, nil
	}

	natsOpts := []nats.Option{
		nats.Name("requeue-replay"),
		nats.MaxReconnects(4),
	}
	if *natsUserCredsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(*natsUserCredsFile))
	}
	nc, err := nats.Connect(*natsURLs, natsOpts...)
	if err != nil {
		return nil, nil, err
	}
	t := requeue.NewNATSTransport(nc, *natsSubject)
	t.Timeout = *timeout
	return t, func() {
		if err := nc.Drain(); err != nil {
			log.Err(err).Msg("replay: error draining nats")
		}
	}, nil
}

// listSyncer claims support so that opening the queue does not replay it.
type listSyncer struct {
	requeue.UnsupportedSyncer
}

func (listSyncer) Supported() bool {
	return true
}
