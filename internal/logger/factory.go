package logger

import (
	"github.com/rs/zerolog"
)

// Static getters so package names stay consistent with log.levels in the config.

// GetProtocolLogger returns a logger for the stream scanner and reducer
func GetProtocolLogger() zerolog.Logger {
	return GetLogger("protocol")
}

// GetSandboxLogger returns a logger for sandbox filesystem and process work
func GetSandboxLogger() zerolog.Logger {
	return GetLogger("sandbox")
}

// GetTransportLogger returns a logger for the chat transport
func GetTransportLogger() zerolog.Logger {
	return GetLogger("transport")
}

// GetSessionLogger returns a logger for message sessions and previews
func GetSessionLogger() zerolog.Logger {
	return GetLogger("session")
}

// GetAPILogger returns a logger for the HTTP API
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetTUILogger returns a logger for TUI components
func GetTUILogger() zerolog.Logger {
	return GetLogger("tui")
}

// GetEditorLogger returns a logger for editor integration
func GetEditorLogger() zerolog.Logger {
	return GetLogger("editor")
}
