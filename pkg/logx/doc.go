// Package logx provides a small structured logging facade over zerolog.
//
// Components hold a Logger value (cheap to copy, safe zero value) and derive
// scoped loggers with With(). The Service owns the sinks and can swap
// level/outputs at runtime when the config file is reloaded.
package logx
