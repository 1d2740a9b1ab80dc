/*
Package requeue implements a durable queue of outgoing HTTP requests that
could not be completed, typically because the network was unavailable, and
replays them later in the order they were queued.

Requests are persisted to a local Badger database, so they survive restarts.
Each named Queue replays through a Transport and stops at the first failure,
leaving the failed request first in line for the next attempt. Replays are
triggered by a Syncer; the syncmanager package provides one that retries with
exponential backoff.
*/
package requeue
