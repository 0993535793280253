package spawner

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/oms/singularity/internal/common/config"
	"github.com/oms/singularity/internal/common/logger"
	"github.com/oms/singularity/internal/lifecycle"
	"github.com/oms/singularity/internal/taskstore"
)

func testSpawner() *Spawner {
	return &Spawner{
		logger: logger.Default(),
		agentCfg: config.AgentConfig{
			Command:      "agent",
			PromptDir:    "/etc/oms/prompts",
			ExtensionDir: "/etc/oms/ext",
		},
		socketPath: "/run/oms/singularity.sock",
	}
}

func TestBuildAgentID(t *testing.T) {
	id := buildAgentID(lifecycle.TypeWorker, "T1")
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "worker" || parts[1] != "T1" || len(parts[2]) != 8 {
		t.Fatalf("agent id = %q, want worker:T1:<8 hex>", id)
	}

	id = buildAgentID(lifecycle.TypeSteering, "")
	parts = strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "steering" || parts[1] != "" {
		t.Fatalf("taskless agent id = %q, want steering::<8 hex>", id)
	}
}

func TestBuildArgs(t *testing.T) {
	s := testSpawner()
	cfg, _ := configFor(lifecycle.TypeIssuer)
	args := s.buildArgs(cfg, "small-model", "high", Options{})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--thinking high") {
		t.Errorf("missing thinking flag: %v", args)
	}
	if !strings.Contains(joined, "--model small-model") {
		t.Errorf("missing model flag: %v", args)
	}
	if !strings.Contains(joined, "--no-pty") {
		t.Errorf("missing --no-pty: %v", args)
	}
	if strings.Contains(joined, "--resume") {
		t.Errorf("unexpected resume flag: %v", args)
	}
	// Issuers are read-only planners: bash is stripped from the allowlist.
	if strings.Contains(joined, "bash") {
		t.Errorf("issuer args should not include bash: %v", args)
	}
	if !strings.Contains(joined, filepath.Join("/etc/oms/prompts", "issuer.md")) {
		t.Errorf("missing system prompt file: %v", args)
	}
	if !strings.Contains(joined, filepath.Join("/etc/oms/ext", "tasks.js")) {
		t.Errorf("missing tasks extension: %v", args)
	}

	args = s.buildArgs(cfg, "", "low", Options{ResumeSessionID: "sess-1"})
	joined = strings.Join(args, " ")
	if strings.Contains(joined, "--model") {
		t.Errorf("empty model should omit flag: %v", args)
	}
	if !strings.Contains(joined, "--resume sess-1") {
		t.Errorf("missing resume flag: %v", args)
	}
}

func TestBuildEnv(t *testing.T) {
	s := testSpawner()
	s.agentCfg.ExtraEnv = map[string]string{"HTTP_PROXY": "proxy:8080"}
	store, err := taskstore.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"), "/work/dir")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()
	s.store = store

	env := s.buildEnv(lifecycle.TypeWorker, "worker:T1:aaaa", "T1", map[string]string{"CUSTOM": "1"})
	want := map[string]string{
		"TASKS_ACTOR":          "worker:T1:aaaa",
		"OMS_AGENT_TYPE":       "worker",
		"OMS_AGENT_ID":         "worker:T1:aaaa",
		"OMS_SINGULARITY_SOCK": "/run/oms/singularity.sock",
		"OMS_TASK_STORE_DIR":   "/work/dir",
		"OMS_TASK_ID":          "T1",
		"HTTP_PROXY":           "proxy:8080",
		"CUSTOM":               "1",
	}
	for k, v := range want {
		if !containsEnv(env, k+"="+v) {
			t.Errorf("env missing %s=%s", k, v)
		}
	}

	env = s.buildEnv(lifecycle.TypeSteering, "steering::bbbb", "", nil)
	for _, e := range env {
		if strings.HasPrefix(e, "OMS_TASK_ID=") {
			t.Error("taskless agent should not carry OMS_TASK_ID")
		}
	}
}

func containsEnv(env []string, entry string) bool {
	for _, e := range env {
		if e == entry {
			return true
		}
	}
	return false
}

func TestStripTool(t *testing.T) {
	got := stripTool([]string{"read", "bash", "grep"}, "bash")
	if len(got) != 2 || got[0] != "read" || got[1] != "grep" {
		t.Fatalf("stripTool = %v", got)
	}
	if got := stripTool(nil, "bash"); len(got) != 0 {
		t.Fatalf("stripTool(nil) = %v", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "", "c"); got != "c" {
		t.Errorf("got %q", got)
	}
	if got := firstNonEmpty("a", "b"); got != "a" {
		t.Errorf("got %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestWorkerClassTypesShareGuard(t *testing.T) {
	for _, typ := range []lifecycle.AgentType{lifecycle.TypeWorker, lifecycle.TypeDesigner, lifecycle.TypeSpeedy} {
		cfg, ok := configFor(typ)
		if !ok {
			t.Fatalf("no config for %s", typ)
		}
		if cfg.GuardIdentity != guardWorker {
			t.Errorf("%s guard = %q, want %q", typ, cfg.GuardIdentity, guardWorker)
		}
	}
	for _, typ := range []lifecycle.AgentType{lifecycle.TypeIssuer, lifecycle.TypeFinisher, lifecycle.TypeMerger, lifecycle.TypeSteering} {
		cfg, _ := configFor(typ)
		if cfg.GuardIdentity != "" {
			t.Errorf("%s should be unguarded", typ)
		}
	}
	if _, ok := configFor("gremlin"); ok {
		t.Error("unknown type should have no config")
	}
}

func TestUsageFrom(t *testing.T) {
	usage := usageFrom(map[string]interface{}{
		"usage": map[string]interface{}{
			"input_tokens":  float64(120),
			"output_tokens": float64(30),
			"cost_usd":      0.05,
		},
	})
	if usage == nil || usage.InputTokens != 120 || usage.OutputTokens != 30 {
		t.Fatalf("usage = %+v", usage)
	}
	if usageFrom(map[string]interface{}{"other": 1}) != nil {
		t.Fatal("missing usage block should yield nil")
	}
}
