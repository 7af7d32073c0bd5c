// Package logx is the logging layer: a small value-type Logger over zerolog
// whose outputs can be swapped at runtime. A Service fans lines out to the
// console, an optional JSON file and an optional rate-limited chat sink.
package logx
