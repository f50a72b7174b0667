package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/geo-sampler/internal/controller"
	"github.com/ChuLiYu/geo-sampler/internal/jobmanager"
	"github.com/ChuLiYu/geo-sampler/internal/store"
	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "geo-sampler", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	// 檢查子命令
	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"start", "run", "stop", "status", "results", "export", "clear"} {
		assert.True(t, commandNames[name], "Should have '%s' command", name)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildStartCommand(t *testing.T) {
	cmd := buildStartCommand()

	assert.Equal(t, "start", cmd.Use)
	for _, name := range []string{"subjects", "locations", "seller", "delay", "mode", "max-retries", "no-run"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

// ============================================================================
// Config
// ============================================================================

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test_config.yaml")
	configContent := `
site:
  base_url: "https://shop.test"
run:
  seller_name: "Acme Store"
  delay_seconds: 30
  min_delay: 5
  max_retries: 4
  ordering: subject-major
store:
  backend: sqlite
  sqlite_path: "./test.db"
browser:
  remote_url: "ws://127.0.0.1:9222/devtools/browser/abc"
  navigate_timeout: 45s
  settle_delay: 500ms
selectors:
  seller_link: ["#my-seller"]
metrics:
  enabled: true
  port: 8080
health:
  enabled: true
  port: 50052
log:
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.test", cfg.Site.BaseURL)
	assert.Equal(t, "Acme Store", cfg.Run.SellerName)
	assert.Equal(t, 30, cfg.Run.DelaySeconds)
	assert.Equal(t, 5, cfg.Run.MinDelay)
	assert.Equal(t, 4, cfg.Run.MaxRetries)
	assert.Equal(t, "subject-major", cfg.Run.Ordering)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "./test.db", cfg.Store.SQLitePath)
	assert.Equal(t, 45*time.Second, cfg.Browser.NavigateTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Browser.SettleDelay)
	assert.Equal(t, []string{"#my-seller"}, cfg.Selectors.SellerLink)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 8080, cfg.Metrics.Port)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, 50052, cfg.Health.Port)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未列出的欄位沿用預設值
	assert.Equal(t, DefaultConfig().Browser.WarmupDelay, cfg.Browser.WarmupDelay)
	assert.Equal(t, "data", cfg.Store.Dir)

	assert.Equal(t, controller.Config{MinDelaySeconds: 5, DefaultDelaySeconds: 30, DefaultMaxRetries: 4}, cfg.controllerConfig())
	assert.Equal(t, store.BackendSQLite, cfg.storeOptions().Backend)
	assert.Equal(t, 45*time.Second, cfg.sessionConfig().NavigateTimeout)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.chromeOptions().RemoteURL)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	require.NoError(t, err, "missing config file falls back to defaults")
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
run:
  delay_seconds: "not a number"
  invalid yaml structure
    broken indentation
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	cfg, err := loadConfig(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(""), 0644))

	cfg, err := loadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown backend", "store:\n  backend: redis\n", "store.backend"},
		{"unknown ordering", "run:\n  ordering: random\n", "run.ordering"},
		{"unknown level", "log:\n  level: loud\n", "log.level"},
		{"negative retries", "run:\n  max_retries: -1\n", "must not be negative"},
		{"empty base url", "site:\n  base_url: \"\"\n", "site.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(configPath, []byte(tt.content), 0644))

			_, err := loadConfig(configPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLevel("trace")
	assert.Error(t, err)
}

// TestSetupLogging tests that package loggers keep their own level and attributes
func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		slog.SetLogLoggerLevel(slog.LevelInfo)
	})

	var buf bytes.Buffer
	setupLogging(&buf, "info")

	logger().Warn("Location set failed", "location", "10001")
	logger().Debug("hidden below info")

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, `msg="Location set failed"`)
	assert.Contains(t, out, "location=10001")
	assert.NotContains(t, out, `msg="WARN`)
	assert.NotContains(t, out, "hidden below info")

	// 其他套件的 logger 同樣使用新的 handler
	buf.Reset()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	ctrl := controller.NewController(controller.Options{Store: st})
	_, err = ctrl.Start(context.Background(), jobmanager.StartParams{
		Subjects:   []types.SubjectID{"B0AAAAAAAA"},
		Locations:  []types.LocationCode{"10001"},
		Ordering:   types.LocationMajor,
		SellerName: "Acme",
	})
	require.NoError(t, err)

	out = buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="Run started"`)
	assert.Contains(t, out, "jobs=1")
}

// ============================================================================
// Commands
// ============================================================================

// writeTestConfig 建立指向暫存目錄的設定檔
func writeTestConfig(t *testing.T) (configPath, dataDir string) {
	t.Helper()
	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	configPath = filepath.Join(dir, "config.yaml")

	content := "store:\n  backend: file\n  dir: " + dataDir + "\nrun:\n  seller_name: Acme\nlog:\n  level: warn\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath, dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeLists(t *testing.T) (subjects, locations string) {
	t.Helper()
	dir := t.TempDir()
	subjects = filepath.Join(dir, "subjects.txt")
	locations = filepath.Join(dir, "locations.txt")
	require.NoError(t, os.WriteFile(subjects, []byte("b0aaaaaaaa\n  B0-BBBB-BBBB \nnot-a-subject\n"), 0644))
	require.NoError(t, os.WriteFile(locations, []byte("10001\n902 10\n123\n"), 0644))
	return subjects, locations
}

func TestCommands_ControlSurface(t *testing.T) {
	configPath, dataDir := writeTestConfig(t)
	subjects, locations := writeLists(t)

	out, err := execute(t, "-c", configPath, "start",
		"--subjects", subjects, "--locations", locations, "--delay", "3", "--no-run")
	require.NoError(t, err)
	assert.Contains(t, out, "4 jobs (2 subjects x 2 locations), 2 location switches")
	assert.Contains(t, out, "delay: 10s", "delay is clamped to the minimum")

	out, err = execute(t, "-c", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:     running")
	assert.Contains(t, out, "Progress:  0/4")
	assert.Contains(t, out, "Next job:  B0AAAAAAAA @ 10001")
	assert.Contains(t, out, "Seller:    Acme")

	// 第二次 start 被拒絕
	_, err = execute(t, "-c", configPath, "start",
		"--subjects", subjects, "--locations", locations, "--no-run")
	assert.ErrorIs(t, err, controller.ErrRunActive)

	// 執行中不允許清除
	_, err = execute(t, "-c", configPath, "clear")
	assert.ErrorIs(t, err, controller.ErrRunActive)

	out, err = execute(t, "-c", configPath, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "Stop requested")

	out, err = execute(t, "-c", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:     stopping")

	// 已停止的 run 不再回報 Stop requested
	out, err = execute(t, "-c", configPath, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "run is not active")
	assert.NotContains(t, out, "Stop requested")

	// 模擬已完成的任務結果
	st, err := store.NewFileStore(dataDir)
	require.NoError(t, err)
	for i, loc := range []types.LocationCode{"10001", "90210"} {
		require.NoError(t, st.AppendResult(context.Background(), types.Result{
			RunID:          "run-x",
			Timestamp:      time.Date(2025, 5, 1, 8, 0, i, 0, time.UTC),
			Subject:        "B0AAAAAAAA",
			Location:       loc,
			Status:         types.StatusOK,
			FeaturedSeller: `Acme "Store"`,
			IsOwnSeller:    true,
		}))
	}
	require.NoError(t, st.Close())

	out, err = execute(t, "-c", configPath, "results", "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "90210")
	assert.NotContains(t, out, "10001")
	assert.Contains(t, out, "(own)")

	csvPath := filepath.Join(t.TempDir(), "out", "results.csv")
	out, err = execute(t, "-c", configPath, "export", "-o", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported 2 results")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(string(data), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], `"Acme ""Store"""`)

	out, err = execute(t, "-c", configPath, "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Results cleared")

	out, err = execute(t, "-c", configPath, "results")
	require.NoError(t, err)
	assert.Contains(t, out, "No results")
}

func TestCommands_NoRun(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	out, err := execute(t, "-c", configPath, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "No run to stop")

	out, err = execute(t, "-c", configPath, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "State:     idle")
	assert.Contains(t, out, "Results:   0")
}

func TestCommands_StartInvalidMode(t *testing.T) {
	configPath, _ := writeTestConfig(t)
	subjects, locations := writeLists(t)

	_, err := execute(t, "-c", configPath, "start",
		"--subjects", subjects, "--locations", locations, "--mode", "random", "--no-run")
	assert.Error(t, err)
}

func TestCommands_StartMissingFile(t *testing.T) {
	configPath, _ := writeTestConfig(t)

	_, err := execute(t, "-c", configPath, "start",
		"--subjects", "/nonexistent/subjects.txt", "--locations", "/nonexistent/locations.txt", "--no-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read")
}
