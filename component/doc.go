// Package component defines the lifecycle interface shared by the storage
// backends (redis, database) and the ordered Registry that starts and stops
// them around an engine run.
package component
