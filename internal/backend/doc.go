/*
Package backend is the HTTP and push-stream client for the agent backend.

# Transport

Client wraps resty over a go-retryablehttp transport with a token bucket
limiter, the same layering used for every outbound HTTP dependency. Only GETs
are retried at this layer. Session creation and lifecycle calls are retried by
the session machine under its own budget.

Every failure surfaces as *TransportError carrying the operation name and,
when a response arrived, its status code.

# Push stream

Subscribe upgrades GET /sessions/{name}/events/stream to a WebSocket that
carries one JSON ServerEvent per frame:

	stream, err := client.Subscribe(ctx, name)
	if err != nil {
	    return err
	}
	defer stream.Close()
	return stream.Run(ctx, func(ev types.ServerEvent) {
	    machine.ApplyEvent(ev)
	})
*/
package backend
