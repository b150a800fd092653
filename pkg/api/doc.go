/*
Package api serves the spawner's lifecycle operations to the hub.

# HTTP

The router is chi with request IDs, panic recovery and per-route metrics:

	POST /v1/users/{user}/start       JSON or the hub's option form
	POST /v1/users/{user}/stop
	POST /v1/users/{user}/terminate   ?delete_volume=true also deletes the volume
	GET  /v1/users/{user}/poll
	GET  /health, /health/components, /ready, /live, /metrics

Every user path is validated as a login name before it reaches the spawner.
Errors come back as ErrorResponse with a status chosen by StatusCode:
configuration errors are 400, transient unavailability and exhausted retries
are 503, provisioning failures are 500.

# gRPC

StartGRPC exposes the standard grpc.health.v1 service. An empty service name
reports the daemon's readiness; any other name is polled as a user, so load
balancers and the hub can health-check a single notebook with stock tooling.
*/
package api
