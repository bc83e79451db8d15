// Package logx is remindbot's structured logging on top of zerolog.
//
// Console output is human readable, the optional file sink is JSON, and
// warnings can be mirrored to an operator chat under a rate limit. Call
// sites use the value-type Logger with Field helpers.
package logx
