package spawner

import "github.com/oms/singularity/internal/lifecycle"

// ReplicaStrategy selects the working directory for a spawned agent.
type ReplicaStrategy string

const (
	// ReplicaCreate makes a fresh replica; cwd is its agent dir.
	ReplicaCreate ReplicaStrategy = "create"
	// ReplicaResolve reuses an existing replica on the task when present,
	// falling back to the project root.
	ReplicaResolve ReplicaStrategy = "resolve"
	// ReplicaNone runs against the project root.
	ReplicaNone ReplicaStrategy = "none"
)

// TypeConfig declares how one agent type is launched.
type TypeConfig struct {
	Tools           []string        // tool allowlist
	StripBash       bool            // remove bash from the allowlist
	Extensions      []string        // extension keys resolved via extensionFiles
	Replica         ReplicaStrategy
	GuardIdentity   string // spawn-guard identity, "" = unguarded
	DefaultModel    string // "" = agent config default
	DefaultThinking string
	PromptFile      string // per-type system prompt file under promptDir
}

// extensionFiles maps opaque extension keys to file names under extensionDir.
var extensionFiles = map[string]string{
	"tasks":     "tasks.js",
	"lifecycle": "lifecycle.js",
	"complain":  "complain.js",
	"interrupt": "interrupt.js",
	"merge":     "merge.js",
}

// guardWorker is shared by all worker-class types so at most one of them can
// occupy a task.
const guardWorker = "worker"

var typeConfigs = map[lifecycle.AgentType]TypeConfig{
	lifecycle.TypeIssuer: {
		Tools:           []string{"read", "grep", "find", "ls"},
		StripBash:       true,
		Extensions:      []string{"tasks", "lifecycle"},
		Replica:         ReplicaNone,
		DefaultThinking: "high",
		PromptFile:      "issuer.md",
	},
	lifecycle.TypeWorker: {
		Tools:         []string{"read", "write", "edit", "bash", "grep", "find", "ls"},
		Extensions:    []string{"tasks", "lifecycle", "complain", "interrupt"},
		Replica:       ReplicaCreate,
		GuardIdentity: guardWorker,
		PromptFile:    "worker.md",
	},
	lifecycle.TypeDesigner: {
		Tools:         []string{"read", "write", "edit", "bash", "grep", "find", "ls"},
		Extensions:    []string{"tasks", "lifecycle", "complain", "interrupt"},
		Replica:       ReplicaCreate,
		GuardIdentity: guardWorker,
		PromptFile:    "designer.md",
	},
	lifecycle.TypeSpeedy: {
		Tools:           []string{"read", "write", "edit", "bash", "grep", "find", "ls"},
		Extensions:      []string{"tasks", "lifecycle"},
		Replica:         ReplicaCreate,
		GuardIdentity:   guardWorker,
		DefaultThinking: "low",
		PromptFile:      "speedy.md",
	},
	lifecycle.TypeFinisher: {
		Tools:      []string{"read", "write", "edit", "bash", "grep", "find", "ls"},
		Extensions: []string{"tasks", "lifecycle", "interrupt"},
		Replica:    ReplicaResolve,
		PromptFile: "finisher.md",
	},
	lifecycle.TypeMerger: {
		Tools:      []string{"read", "write", "edit", "bash", "grep", "find", "ls"},
		Extensions: []string{"tasks", "merge"},
		Replica:    ReplicaNone, // cwd supplied explicitly: the replica under merge
		PromptFile: "merger.md",
	},
	lifecycle.TypeSteering: {
		Tools:           []string{"read", "grep", "ls"},
		StripBash:       true,
		Extensions:      nil,
		Replica:         ReplicaNone,
		DefaultThinking: "low",
		PromptFile:      "steering.md",
	},
}

// configFor returns the launch configuration for an agent type.
func configFor(t lifecycle.AgentType) (TypeConfig, bool) {
	cfg, ok := typeConfigs[t]
	return cfg, ok
}
