// Package querypilot provides an intelligent query engine for time-series
// database fleets: analysis, rewrite optimization, performance prediction,
// adaptive routing and a learning feedback loop in a single embeddable
// component.
//
// # Basic Usage
//
// Create an engine with default configuration:
//
//	engine, err := querypilot.NewEngine(querypilot.DefaultEngineConfig(), querypilot.EngineOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
// Register the endpoints queries can be routed to:
//
//	engine.RegisterEndpoint("replica-1", querypilot.EndpointMeta{
//	    Role:     querypilot.RoleReplica,
//	    Region:   "us-east-1",
//	    Priority: 5,
//	})
//
// Optimize a query:
//
//	result, err := engine.OptimizeQuery(ctx, "SELECT * FROM metrics WHERE time > now() - 1h", nil)
//
// Feed observed executions back so predictions and routing improve:
//
//	engine.LearnFromQuery(query, &querypilot.QueryExecutionResult{
//	    ExecutionTime: elapsed,
//	    RowsAffected:  rows,
//	    Success:       true,
//	})
//
// # Features
//
// Analysis and Optimization:
//   - Pattern extraction, complexity scoring and resource estimation
//   - Rule-based rewrites plus an ensemble of learned models
//   - Execution plan generation with parallelization analysis
//   - Ranked index, rewrite and configuration recommendations
//
// Prediction and Routing:
//   - Tiered ensemble duration prediction with confidence scores
//   - Health-checked endpoint routing with pluggable balancing strategies
//   - Learned per-endpoint weights updated from real executions
//
// Operations:
//   - Bounded optimization history with feedback and statistics
//   - SQLite persistence and S3 snapshot archiving
//   - Prometheus metrics and a WebSocket event stream
package querypilot
