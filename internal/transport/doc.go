// Package transport serves engine.Container executions over HTTP with gin.
//
// Routes come from a YAML Manifest that binds "METHOD path" to a builtin
// handler and its declared execution descriptor. Outcomes that carry a
// protocol error are written as ErrorBody JSON; abandoned outcomes write
// nothing. /metrics exposes the Prometheus registry and /healthz answers ok.
package transport
