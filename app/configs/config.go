package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Telegram   TelegramConfig   `json:"telegram"`
	LLM        LLMConfig        `json:"llm"`
	Queue      QueueConfig      `json:"queue"`
	Memory     MemoryConfig     `json:"memory"`
	Newsletter NewsletterConfig `json:"newsletter"`
	GitHub     GitHubConfig     `json:"github"`
	Coding     CodingConfig     `json:"coding"`
}

type AgentConfig struct {
	Name    string `json:"name"`
	DataDir string `json:"data_dir"`
}

type TelegramConfig struct {
	BotToken        string `json:"bot_token"`
	OwnerID         string `json:"owner_id"`
	PollIntervalSec int    `json:"poll_interval_sec"`
}

type LLMConfig struct {
	APIKey            string `json:"api_key"`
	BaseURL           string `json:"base_url"`
	FastModel         string `json:"fast_model"`
	DeepModel         string `json:"deep_model"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type QueueConfig struct {
	LeaseMinutes        int `json:"lease_minutes"`
	WorkerPollSec       int `json:"worker_poll_sec"`
	ClarifyTimeoutMin   int `json:"clarify_timeout_min"`
	CodePriority        int `json:"code_priority"`
	TriggerPriority     int `json:"trigger_priority"`
	ContextTurnsInQueue int `json:"context_turns_in_queue"`
}

type MemoryConfig struct {
	MaxTurns   int `json:"max_turns"`
	TTLMinutes int `json:"ttl_minutes"`
}

type NewsletterConfig struct {
	IntervalMinutes int `json:"interval_minutes"`
	PollIntervalSec int `json:"poll_interval_sec"`
	MinItems        int `json:"min_items"`
}

type GitHubConfig struct {
	Enabled         bool   `json:"enabled"`
	Token           string `json:"token"`
	Repo            string `json:"repo"`
	PollIntervalSec int    `json:"poll_interval_sec"`
	MaxFixAttempts  int    `json:"max_fix_attempts"`
}

type CodingConfig struct {
	RepoPath           string   `json:"repo_path"`
	BranchPrefix       string   `json:"branch_prefix"`
	MaxToolIterations  int      `json:"max_tool_iterations"`
	MaxToolResultChars int      `json:"max_tool_result_chars"`
	ContextKeepPairs   int      `json:"context_keep_pairs"`
	AllowedCommands    []string `json:"allowed_commands"`
	TestCommand        string   `json:"test_command"`
	TestArgs           []string `json:"test_args"`
	TestTimeoutSec     int      `json:"test_timeout_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	mgr.applyEnv()
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

// applyEnv lets secrets live in the environment instead of the config file.
func (m *Manager) applyEnv() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		m.cfg.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("HERALD_OWNER_ID")); v != "" {
		m.cfg.Telegram.OwnerID = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		m.cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GITHUB_TOKEN")); v != "" {
		m.cfg.GitHub.Token = v
	}
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	persisted := m.cfg
	// Never write secrets back to disk when they came from the environment.
	if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
		persisted.Telegram.BotToken = ""
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		persisted.LLM.APIKey = ""
	}
	if os.Getenv("GITHUB_TOKEN") != "" {
		persisted.GitHub.Token = ""
	}
	data, err := json.MarshalIndent(persisted, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{
		Agent: AgentConfig{
			Name:    "Herald",
			DataDir: "output",
		},
	}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "Herald"
	}
	if strings.TrimSpace(cfg.Agent.DataDir) == "" {
		cfg.Agent.DataDir = "output"
	}
	if cfg.Telegram.PollIntervalSec <= 0 {
		cfg.Telegram.PollIntervalSec = 2
	}
	if strings.TrimSpace(cfg.LLM.FastModel) == "" {
		cfg.LLM.FastModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.LLM.DeepModel) == "" {
		cfg.LLM.DeepModel = "gpt-4o"
	}
	if cfg.LLM.RequestTimeoutSec <= 0 {
		cfg.LLM.RequestTimeoutSec = 120
	}
	if cfg.Queue.LeaseMinutes <= 0 {
		cfg.Queue.LeaseMinutes = 10
	}
	if cfg.Queue.WorkerPollSec <= 0 {
		cfg.Queue.WorkerPollSec = 5
	}
	if cfg.Queue.ClarifyTimeoutMin <= 0 {
		cfg.Queue.ClarifyTimeoutMin = 10
	}
	if cfg.Queue.CodePriority <= 0 {
		cfg.Queue.CodePriority = 5
	}
	if cfg.Queue.TriggerPriority <= 0 {
		cfg.Queue.TriggerPriority = 1
	}
	if cfg.Queue.ContextTurnsInQueue <= 0 {
		cfg.Queue.ContextTurnsInQueue = 10
	}
	if cfg.Memory.MaxTurns <= 0 {
		cfg.Memory.MaxTurns = 20
	}
	if cfg.Memory.TTLMinutes <= 0 {
		cfg.Memory.TTLMinutes = 60
	}
	if cfg.Newsletter.IntervalMinutes <= 0 {
		cfg.Newsletter.IntervalMinutes = 55
	}
	if cfg.Newsletter.PollIntervalSec <= 0 {
		cfg.Newsletter.PollIntervalSec = 60
	}
	if cfg.Newsletter.MinItems <= 0 {
		cfg.Newsletter.MinItems = 3
	}
	if cfg.GitHub.PollIntervalSec <= 0 {
		cfg.GitHub.PollIntervalSec = 60
	}
	if cfg.GitHub.MaxFixAttempts <= 0 {
		cfg.GitHub.MaxFixAttempts = 3
	}
	if strings.TrimSpace(cfg.Coding.BranchPrefix) == "" {
		cfg.Coding.BranchPrefix = "herald"
	}
	if cfg.Coding.MaxToolIterations <= 0 {
		cfg.Coding.MaxToolIterations = 30
	}
	if cfg.Coding.MaxToolResultChars <= 0 {
		cfg.Coding.MaxToolResultChars = 20000
	}
	if cfg.Coding.ContextKeepPairs <= 0 {
		cfg.Coding.ContextKeepPairs = 10
	}
	if len(cfg.Coding.AllowedCommands) == 0 {
		cfg.Coding.AllowedCommands = []string{"go", "git", "ls", "grep", "find", "cat", "make"}
	}
	if strings.TrimSpace(cfg.Coding.TestCommand) == "" {
		cfg.Coding.TestCommand = "go"
		cfg.Coding.TestArgs = []string{"test", "./..."}
	}
	if cfg.Coding.TestTimeoutSec <= 0 {
		cfg.Coding.TestTimeoutSec = 300
	}
}
