package server

import (
	"io"
	"log"
	"os"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
)

// EnableDebugLogging routes per-frame and per-session diagnostics to stderr
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}
