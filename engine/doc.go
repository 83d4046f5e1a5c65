// Package engine is the control surface of flowgraph.
//
// An Engine keeps submitted DAGs and the executions started from them, runs
// each execution on its own goroutine through an executor.Executor, and
// answers status and error-report queries while they run.
//
//	eng := engine.New(engine.WithLogger(log))
//	eng.Registry().RegisterFunc("fetch", fetch)
//	dagID, _ := eng.SubmitDAG(d)
//	execID, _ := eng.StartExecution(ctx, dagID, nil)
//	status, _ := eng.Wait(ctx, execID)
//
// NewFromConfig builds the storage, event and telemetry backends named by a
// config.EngineConfig and owns their lifecycle until Shutdown.
package engine
