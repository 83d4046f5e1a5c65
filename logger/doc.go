// Package logger provides structured logging for flowgraph using zerolog.
//
// It supports JSON and console output, level configuration, and
// component-scoped child loggers carrying workflow fields such as the
// execution and task ids.
//
// # Configuration
//
//	logging:
//	  level: "info"
//	  format: "json"
//
// # Usage
//
//	log := logger.New(&cfg, "flowgraph").WithComponent("executor")
//	log.Info("task started", logger.Fields(logger.FieldTaskID, "render"))
package logger
