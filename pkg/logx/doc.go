// Package logx wraps zerolog for resticd.
//
// Console output is readable text (plain under journald), the optional file
// sink is JSON lines, and level and sinks follow config hot reload.
package logx
