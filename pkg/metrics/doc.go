/*
Package metrics registers the broker's Prometheus instrumentation: pool
worker-state gauges, execute/projection/extraction histograms, file store
put/get/reclaim counters, and generic API request counters, all registered
at package init() and exposed via Handler() for a promhttp-backed /metrics
endpoint.

Also hosts a small process health/readiness tracker (see health.go),
independent of the metrics registry, for the httpapi's /healthz, /readyz
and /livez endpoints.
*/
package metrics
