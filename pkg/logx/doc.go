// Package logx is timerd's structured logging: zerolog underneath, Field
// closures on top, and a Service whose level and sinks follow config reloads.
//
// Console output is human-readable with a short file:line caller; the file
// sink and ConsoleJSON write JSON lines.
package logx
