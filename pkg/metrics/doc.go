/*
Package metrics exposes Prometheus collectors and component health for the
spawner daemon.

# Collectors

All collectors are package-level variables registered with the default
registry in init, so any package can record without plumbing:

	metrics.LifecycleOperationsTotal.WithLabelValues("start", "ok").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleDuration, "start")

Handler serves them in the Prometheus text format on /metrics.

# Component Health

Components report their state with RegisterComponent and UpdateComponent.
GetHealth is unhealthy when any component is; GetReadiness only looks at the
critical set (registry, cloud, api by default). HealthHandler and
LivenessHandler wrap these for HTTP probes; readiness is served by pkg/api,
which also checks the registry itself.

# Collector

Collector samples the registry on an interval into spawner_instances_tracked
and flips the registry component unhealthy when counting fails.
*/
package metrics
