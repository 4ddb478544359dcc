// Package gologger connects the go-logger contracts to the console provider,
// the poll worker hooks and go-job.
package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// Resolve prefers the provider's named logger, then logger, then a nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// JobLoggers exposes provider through the go-job logger contract.
func JobLoggers(name string, provider glog.LoggerProvider) (job.LoggerProvider, job.Logger) {
	resolved, logger := Resolve(name, provider, nil)
	return job.GoLoggerProvider(resolved), job.GoLogger(logger)
}
