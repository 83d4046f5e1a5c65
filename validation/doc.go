// Package validation validates configuration structs and DAG definitions.
//
// Struct tag validation uses go-playground/validator and reports field names
// by their yaml (or json) tag. Programmatic validation collects field errors
// into a single INVALID_INPUT AppError.
//
// # Struct Tag Validation
//
//	type ExecutorConfig struct {
//	    MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1"`
//	}
//	err := validation.Validate(cfg)
//
// # Programmatic Validation
//
//	v := validation.New()
//	v.Identifier("tasks[0].id", task.ID)
//	v.Unique("tasks[0].id", task.ID, seen)
//	err := v.Err()
package validation
