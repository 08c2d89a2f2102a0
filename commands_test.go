package main

import (
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordCommand(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"argument", []string{"hash-password", "--cost", "4", testPassword}, ""},
		{"stdin", []string{"hash-password", "--cost", "4"}, testPassword + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// no config file is needed for hashing
			out, _, err := runCLI(t, tt.args, "/nonexistent/dir/config.yaml", tt.stdin)
			if err != nil {
				t.Fatalf("hash-password: %v", err)
			}
			hash := strings.TrimSpace(out)
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(testPassword)); err != nil {
				t.Errorf("hash does not match password: %v", err)
			}
		})
	}

	if _, _, err := runCLI(t, []string{"hash-password"}, "", ""); err == nil {
		t.Error("Expected error for empty password")
	}
}

func TestMigrateCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"migrate"}, env.configPath, "")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "001_init") {
		t.Errorf("Expected 001_init in output, got %q", out)
	}
}

func TestListCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"list"}, env.configPath, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No manuscripts found") {
		t.Errorf("Expected empty message, got %q", out)
	}

	env.seedManuscript(t, "Harbour Lights", "The harbour lights flickered.")
	env.seedManuscript(t, "Salt Roads", "Salt on every road.")

	out, _, err = runCLI(t, []string{"list", "--status", "pending"}, env.configPath, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"Harbour Lights", "Salt Roads", "pending", "Jane Roe"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	out, _, err = runCLI(t, []string{"list", "--limit", "1"}, env.configPath, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "showing 1 of 2") {
		t.Errorf("Expected paging note, got:\n%s", out)
	}

	if _, _, err := runCLI(t, []string{"list", "--status", "done"}, env.configPath, ""); err == nil {
		t.Error("Expected error for unknown status")
	}
}

func TestAnalyzeCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	id := env.seedManuscript(t, "Harbour Lights", "The harbour lights flickered as the boats came in.")

	arg := strconv.FormatInt(id, 10)

	out, _, err := runCLI(t, []string{"analyze", arg}, env.configPath, "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for _, want := range []string{"Harbour Lights", "Overall", "Degraded"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}

	// a completed manuscript cannot be analyzed again
	if _, _, err := runCLI(t, []string{"analyze", arg}, env.configPath, ""); err == nil {
		t.Error("Expected error for completed manuscript")
	}
	if _, _, err := runCLI(t, []string{"analyze", "abc"}, env.configPath, ""); err == nil {
		t.Error("Expected error for invalid id")
	}
}

func TestReclaimCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"reclaim", "--older-than", "1h"}, env.configPath, "")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !strings.Contains(out, "reclaimed 0 manuscript(s)") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRenderTableAlignment(t *testing.T) {
	out := renderTable([]string{"ID", "Name"}, [][]string{{"7", "a"}, {"12"}}, 0)
	if !strings.Contains(out, "ID") || !strings.Contains(out, "12") {
		t.Errorf("unexpected table:\n%s", out)
	}
	if renderTable(nil, nil) != "" {
		t.Error("Expected empty output without headers")
	}
}
