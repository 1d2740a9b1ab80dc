/*
Package syncmanager implements deferred retry opportunities for requeue.

Interest is registered under a tag. A registration stays pending until a
subscribed handler accepts it; when the handler fails the registration is
retried with exponential backoff and dropped after a fixed number of
attempts. Registrations are dispatched on a fixed interval and whenever
Register or Trigger is called, so calling Trigger when connectivity comes back
replays everything that is waiting.
*/
package syncmanager
