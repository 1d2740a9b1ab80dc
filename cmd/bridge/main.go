package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func usage() {
	fmt.Printf("Usage: bridge [-nats-urls urls] [-nats-subject subject] [-nats-queue-group group]\n")
	flag.PrintDefaults()
}

func showUsageAndExit(exitcode int) {
	usage()
	os.Exit(exitcode)
}

var showHelp = flag.Bool("h", false, "Show help message")
var natsURLs = flag.String("nats-urls", nats.DefaultURL, "Comma separated NATS server URLs")
var natsSubject = flag.String("nats-subject", "requeue.replay", "The subject replayed requests arrive on")
var natsQueueGroup = flag.String("nats-queue-group", "requeue-bridge", "Queue group shared by bridge instances")
var natsUserCredsFile = flag.String("nats-creds", "", "User Credentials File")
var timeout = flag.Duration("timeout", 30*time.Second, "Timeout for each forwarded request")

// The bridge receives requests replayed with requeue.NATSTransport and
// forwards them over HTTP. It acks with an empty reply once a response has
// been received and replies with the error text otherwise.
func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		showUsageAndExit(0)
	}

	natsOpts := []nats.Option{
		nats.Name("requeue-bridge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(con *nats.Conn, err error) {
			log.Err(err).Msg("bridge: Got disconnected!")
		}),
		nats.ReconnectHandler(func(con *nats.Conn) {
			log.Info().Msgf("bridge: Got reconnected to %s!", con.ConnectedUrl())
		}),
		nats.ErrorHandler(func(con *nats.Conn, sub *nats.Subscription, err error) {
			log.Err(err).Msgf("bridge: Got err: conn=%s sub=%s", con.Opts.Name, sub.Subject)
		}),
	}
	if *natsUserCredsFile != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(*natsUserCredsFile))
	}

	nc, err := nats.Connect(*natsURLs, natsOpts...)
	if err != nil {
		log.Fatal().Err(err).Msgf("bridge: unable to connect to servers: %s", *natsURLs)
	}

	codec := requeue.HTTPCodec{}
	transport := requeue.NewHTTPTransport(nil)

	_, err = nc.QueueSubscribe(*natsSubject, *natsQueueGroup, func(msg *nats.Msg) {
		sr := protocol.StorableRequestFromNATS(msg)
		if err := forward(codec, transport, sr); err != nil {
			log.Err(err).Str("url", sr.URL).Msg("bridge: forward failed")
			if rerr := msg.Respond([]byte(err.Error())); rerr != nil {
				log.Err(rerr).Msg("bridge: unable to respond")
			}
			return
		}
		if err := msg.Respond(nil); err != nil {
			log.Err(err).Msg("bridge: unable to respond")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Dict("nats",
			zerolog.Dict().
				Str("subject", *natsSubject).
				Str("queue", *natsQueueGroup)).
			Msg("bridge: unable to subscribe")
	}

	log.Info().Msgf("Listening on [%s] in queue group [%s]", *natsSubject, *natsQueueGroup)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	if err := nc.Drain(); err != nil {
		log.Err(err).Msg("bridge: error draining nats")
	}
	log.Info().Msg("bridge: terminated")
}

func forward(codec requeue.Codec, transport requeue.Transport, sr protocol.StorableRequest) error {
	r, err := codec.FromStorable(sr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	return transport.Send(ctx, r)
}
