// Package control
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime metrics and debug introspection for the server.
//
// Provides concurrent-safe primitives including:
//   - Collector, the reference api.Metrics implementation
//   - MetricsRegistry for application-defined gauges
//   - DebugProbes for named state probes dumped on demand
package control
