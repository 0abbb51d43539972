// Package utils provides utility functions shared across the report runner:
// cryptographically secure ID generation and retry with exponential backoff.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateRandomID generates a cryptographically secure random hex ID of the
// given length. Each byte produces two hex characters, so length/2 bytes are
// generated; odd lengths come out one character short.
func GenerateRandomID(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateUUID generates a cryptographically secure UUID v4 per RFC 4122.
func GenerateUUID() (string, error) {
	uuid := make([]byte, 16)
	if _, err := rand.Read(uuid); err != nil {
		return "", err
	}

	// Set version (4) and variant bits
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80

	return fmt.Sprintf("%x-%x-%x-%x-%x",
		uuid[0:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:]), nil
}

// GenerateRunID generates a unique pipeline run ID in the format
// "run-{randomHex}-{timestamp}". The timestamp suffix keeps run IDs
// roughly sortable by creation time.
func GenerateRunID() (string, error) {
	id, err := GenerateRandomID(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}
	return fmt.Sprintf("run-%s-%d", id, time.Now().Unix()), nil
}

// MustGenerateRunID generates a run ID or panics on failure. Random ID
// generation failing indicates a broken system RNG, which is fatal.
func MustGenerateRunID() string {
	id, err := GenerateRunID()
	if err != nil {
		panic(fmt.Sprintf("failed to generate run ID: %v", err))
	}
	return id
}

// GenerateRequestID generates a unique request ID for tracing and correlation.
func GenerateRequestID() (string, error) {
	id, err := GenerateRandomID(16)
	if err != nil {
		return "", fmt.Errorf("failed to generate random ID: %w", err)
	}
	return fmt.Sprintf("req-%s-%d", id, time.Now().Unix()), nil
}
