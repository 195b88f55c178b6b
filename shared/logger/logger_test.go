// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		component    string
		poolID       string
		expectedComp string
		expectedPool string
	}{
		{
			name:         "with pool ID set",
			component:    "broker",
			poolID:       "pool-eu-1",
			expectedComp: "broker",
			expectedPool: "pool-eu-1",
		},
		{
			name:         "without pool ID",
			component:    "metering",
			poolID:       "",
			expectedComp: "metering",
			expectedPool: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.poolID != "" {
				if err := os.Setenv("POOL_ID", tt.poolID); err != nil {
					t.Fatalf("Failed to set POOL_ID: %v", err)
				}
				defer func() {
					if err := os.Unsetenv("POOL_ID"); err != nil {
						t.Errorf("Failed to unset POOL_ID: %v", err)
					}
				}()
			} else {
				if err := os.Unsetenv("POOL_ID"); err != nil {
					t.Fatalf("Failed to unset POOL_ID: %v", err)
				}
			}

			l := New(tt.component)

			if l.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, l.Component)
			}

			if l.PoolID != tt.expectedPool {
				t.Errorf("Expected pool ID %s, got %s", tt.expectedPool, l.PoolID)
			}

			if l.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// TestLogOutput verifies entries are emitted as single-line JSON with the
// required fields populated.
func TestLogOutput(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer log.SetOutput(os.Stderr)

	l := New("broker")
	l.Info("user-42", "req-1", "relay session opened", map[string]interface{}{
		"instance_id": "inst-7",
	})

	line := strings.TrimSpace(buf.String())

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v (line: %q)", err, line)
	}

	if entry.Level != INFO {
		t.Errorf("Expected level INFO, got %s", entry.Level)
	}
	if entry.UserID != "user-42" {
		t.Errorf("Expected user_id user-42, got %s", entry.UserID)
	}
	if entry.RequestID != "req-1" {
		t.Errorf("Expected request_id req-1, got %s", entry.RequestID)
	}
	if entry.Message != "relay session opened" {
		t.Errorf("Unexpected message: %s", entry.Message)
	}
	if entry.Fields["instance_id"] != "inst-7" {
		t.Errorf("Expected instance_id field, got %v", entry.Fields)
	}
	if entry.Timestamp == "" {
		t.Error("Expected timestamp to be set")
	}
}

// TestErrorWithCode verifies the status code and error string land in fields.
func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer log.SetOutput(os.Stderr)

	l := New("metering")
	l.ErrorWithCode("user-42", "req-2", "upstream relay failed", 502, os.ErrDeadlineExceeded, nil)

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}

	if entry.Level != ERROR {
		t.Errorf("Expected level ERROR, got %s", entry.Level)
	}
	if entry.Fields["status_code"] != float64(502) {
		t.Errorf("Expected status_code 502, got %v", entry.Fields["status_code"])
	}
	if entry.Fields["error"] == "" {
		t.Error("Expected error field to be set")
	}
}

// TestInfoWithDuration verifies duration_ms is attached.
func TestInfoWithDuration(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetFlags(0)
	defer log.SetOutput(os.Stderr)

	l := New("reconciler")
	l.InfoWithDuration("user-9", "req-3", "reconciliation complete", 12.5, nil)

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}

	if entry.Fields["duration_ms"] != 12.5 {
		t.Errorf("Expected duration_ms 12.5, got %v", entry.Fields["duration_ms"])
	}
}
