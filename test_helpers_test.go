package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/model"
	"github.com/ronvwieringen/AIbookReview/service"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testPassword = "s3cret"

type cliTestEnv struct {
	configPath string
	baseDir    string
	cfg        *config.Config
}

// setupCLITestEnv writes a config pointing at a temp database and upload
// dir, with one admin and one editor account.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	base := t.TempDir()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	yaml := fmt.Sprintf(`server:
  rate_limit: 1000
upload:
  dir: %q
  max_size_mb: 1
database:
  path: %q
analysis:
  max_concurrent: 2
auth:
  jwt_secret: test-secret
log:
  level: error
users:
  - username: admin
    password_hash: %q
    role: admin
  - username: editor
    password_hash: %q
    role: editor
`, filepath.Join(base, "uploads"), filepath.Join(base, "test.db"), hash, hash)

	configPath := filepath.Join(base, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return &cliTestEnv{configPath: configPath, baseDir: base, cfg: cfg}
}

func (e *cliTestEnv) newApp(t *testing.T) *app {
	t.Helper()
	a, err := newApp(context.Background(), e.cfg)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// seedManuscript stores a text file and its pending row
func (e *cliTestEnv) seedManuscript(t *testing.T, title, body string) int64 {
	t.Helper()
	ctx := context.Background()

	files, err := service.NewLocalStore(e.cfg.Upload.Dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	key := strings.ReplaceAll(title, " ", "_") + ".txt"
	if err := files.Save(ctx, key, strings.NewReader(body), int64(len(body)), "text/plain"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store, err := service.OpenStore(ctx, e.cfg.Database.Path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	m := &model.Manuscript{
		Filename:         key,
		OriginalFilename: key,
		FileSize:         int64(len(body)),
		ContentType:      "text/plain",
		StorageKey:       key,
		AuthorName:       "Jane Roe",
		AuthorEmail:      "jane@example.com",
		Title:            title,
	}
	if err := store.Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m.ID
}

func runCLI(t *testing.T, args []string, configPath string, stdin string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}
