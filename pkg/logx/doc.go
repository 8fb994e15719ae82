// Package logx is routined's structured logging: a small value-type Logger
// over zerolog with a short caller, a colored console or JSON stderr sink,
// an optional JSON file sink, and levels and sinks swappable on reload.
package logx
