package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/gofrs/uuid"
	requeue "github.com/nickpoorman/http-requeue"
	"github.com/nickpoorman/http-requeue/syncmanager"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func usage() {
	fmt.Printf("Usage: seed -d <data-dir> [-instance id] -url <target> [-q queue] [-n count]\n")
	flag.PrintDefaults()
}

func showUsageAndExit(exitcode int) {
	usage()
	os.Exit(exitcode)
}

var showHelp = flag.Bool("h", false, "Show help message")
var dataDir = flag.String("d", requeue.DefaultBadgerDataPath, "The directory requests are stored in")
var queueName = flag.String("q", "default", "The queue to add requests to")
var target = flag.String("url", "http://localhost:8080/events", "The URL the queued requests are addressed to")
var total = flag.Int("n", 100, "The number of requests to queue")
var instance = flag.String("instance", "", "Store requests in this instance's subdirectory of the data directory")

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		showUsageAndExit(0)
	}

	// Seeding must not trigger a replay of what is already there.
	options := []requeue.Option{
		requeue.BadgerDataPath(*dataDir),
		requeue.OnSync(func(ctx context.Context, q *requeue.Queue, ev syncmanager.Event) error {
			return nil
		}),
	}
	if *instance != "" {
		options = append(options, requeue.InstanceID(*instance))
	}
	q, err := requeue.New(*queueName, options...)
	if err != nil {
		log.Fatal().Err(err).Msg("seed: unable to open queue")
	}
	defer q.Close()

	pending := int64(*total)
	group, _ := errgroup.WithContext(context.Background())
	ch := make(chan int)

	go func() {
		// Generate all our requests
		for i := 0; i < *total; i++ {
			ch <- i
		}
		close(ch)
	}()

	for i := 0; i < runtime.NumCPU(); i++ { // Throttle concurrent writers
		group.Go(func() error {
			for i := range ch {
				r, err := buildRequest(i)
				if err != nil {
					return err
				}
				if err := q.PushRequest(requeue.RequestEntry{
					Request:  r,
					Metadata: map[string]interface{}{"seed": fmt.Sprint(i)},
				}); err != nil {
					return fmt.Errorf("queueing request %d: %w", i, err)
				}
				left := atomic.AddInt64(&pending, -1)
				log.Debug().Msgf("number left: %d", left)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		log.Fatal().Err(err).Msg("problem with seed group")
	}

	size, err := q.Size()
	if err != nil {
		log.Fatal().Err(err).Msg("seed: unable to read queue size")
	}
	log.Info().Int("size", size).Str("queue", *queueName).Msg("seed: done")
}

func buildRequest(i int) (*http.Request, error) {
	body := fmt.Sprintf(`{"event":"my awesome payload %d"}`, i)
	r, err := http.NewRequest(http.MethodPost, *target, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-Request-Id", id.String())
	return r, nil
}
