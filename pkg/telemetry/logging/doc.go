// Package logging builds the process logger on log/slog.
//
//	logger, err := logging.New(logging.Config{
//	    Level:         "info",
//	    Format:        "json",
//	    RedactSecrets: true,
//	})
//	slog.SetDefault(logger)
//
// Records logged with a context carry request_id (see WithRequestID) and,
// when a span is active, trace_id and span_id.
//
// With RedactSecrets, attributes named like credentials are masked, API keys
// and bearer tokens embedded in strings are scrubbed, and rate limit keys
// whose ID is an API key are reduced to their type.
package logging
