/*
Package metrics provides Prometheus-based instrumentation for the guest agent.

The Collector exports FUSE session operation counts/latencies/sizes, content
store size and garbage-collection totals, virtqueue in-flight depth, and
activation phase durations, alongside an internal operation-summary map used
by the /debug/operations text endpoint.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9377,
		Path:      "/metrics",
		Namespace: "guestagent",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

	collector.RecordOperation("read", elapsed, int64(len(buf)), err == nil)
*/
package metrics
