package logging

import "github.com/google/uuid"

// GenerateCorrelationID creates a short id for tying together the log lines
// of one server-side operation (an HTTP request, a fanout attempt).
func GenerateCorrelationID() string {
	return uuid.New().String()[:8]
}
