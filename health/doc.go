// Package health reports whether the queues and the body store a client
// depends on are reachable.
//
// Register Checkers with a Registry and call Check to run them concurrently:
//
//	registry := health.NewRegistry()
//	registry.Register(health.NewQueueChecker(queueURL, sqsClient, logger))
//	registry.Register(health.NewBlobStoreChecker(store, logger))
//	result := registry.Check(ctx)
package health
