/*
Package resilience provides per-scheme circuit breakers for the dispatcher.

A handler that keeps failing trips its breaker; further requests for the
scheme are answered 503 without reaching the handler until the cooldown
ends. Admission and outcome are split, so Deferred handlers that respond
from another goroutine still report success or failure:

	done, err := group.Get("app").Allow()
	if err != nil {
		return unavailable(err)
	}
	go func() { done(serve() == nil) }()

States:

	Closed --[ReadyToTrip]-> Open --[Cooldown]-> Half-Open --[Probes succeed]-> Closed
	                                                 |
	                                             [failure]
	                                                 v
	                                                Open

Every state change starts a new generation; outcomes of requests admitted
in an earlier generation are dropped.
*/
package resilience
