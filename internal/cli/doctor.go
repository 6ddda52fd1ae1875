package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"
)

// DoctorCommand returns the CLI command definition for the 'doctor' subcommand.
// It checks the pieces an agent needs to launch csvedit-mcp and the settings
// the server will start with.
func DoctorCommand(version string) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Diagnose common setup and configuration issues",
		Description: `Checks:
  - the binary exists and is executable
  - an MCP agent config (Claude Code, Gemini CLI) launches this binary
  - csvedit-mcp settings files parse and validate
  - the auto-save backup directory is usable

Exit codes:
  0 - All critical checks passed
  1 - One or more issues found`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runDoctor(version)
		},
	}
}

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type checkResult struct {
	Name       string
	Status     string
	Message    string
	Suggestion string
	IsCritical bool
}

func passed(name, format string, args ...any) checkResult {
	return checkResult{Name: name, Status: statusPass, Message: fmt.Sprintf(format, args...)}
}

func failed(name, message, suggestion string) checkResult {
	return checkResult{Name: name, Status: statusFail, Message: message, Suggestion: suggestion, IsCritical: true}
}

func warned(name, message, suggestion string) checkResult {
	return checkResult{Name: name, Status: statusWarn, Message: message, Suggestion: suggestion}
}

// fsUtils is the slice of the OS the checks touch, swapped out in tests.
type fsUtils interface {
	Executable() (string, error)
	Stat(name string) (os.FileInfo, error)
	ReadFile(name string) ([]byte, error)
	UserHomeDir() (string, error)
	Getwd() (string, error)
}

type realFsUtils struct{}

func (realFsUtils) Executable() (string, error)           { return os.Executable() }
func (realFsUtils) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (realFsUtils) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (realFsUtils) UserHomeDir() (string, error)          { return os.UserHomeDir() }
func (realFsUtils) Getwd() (string, error)                { return os.Getwd() }

func runDoctor(version string) error {
	return runDoctorWithUtils(version, realFsUtils{})
}

func runDoctorWithUtils(version string, utils fsUtils) error {
	fmt.Printf("🔍 csvedit-mcp doctor v%s\n\n", version)

	checks := []func(fsUtils) checkResult{
		checkBinary,
		checkMCPConfig,
		checkSettings,
		checkBackupDir,
	}

	var fails, warns int
	for _, check := range checks {
		result := check(utils)
		printCheckResult(result)
		switch result.Status {
		case statusFail:
			fails++
		case statusWarn:
			warns++
		}
	}

	fmt.Println()
	switch {
	case fails > 0:
		fmt.Printf("❌ Found %d issue(s) that need attention\n", fails)
		if warns > 0 {
			fmt.Printf("⚠️  %d warning(s)\n", warns)
		}
		return fmt.Errorf("found %d issues that need attention", fails)
	case warns > 0:
		fmt.Printf("✅ All critical checks passed!\n")
		fmt.Printf("⚠️  %d optional warning(s)\n", warns)
	default:
		fmt.Printf("✅ All checks passed!\n")
	}
	fmt.Printf("💡 Run 'csvedit-mcp serve --verbose' to start the server\n")
	return nil
}

func printCheckResult(result checkResult) {
	icon := map[string]string{statusPass: "✓", statusWarn: "⚠", statusFail: "✗"}[result.Status]
	fmt.Printf("%s %s\n", icon, result.Message)
	if result.Suggestion != "" {
		fmt.Printf("  %s\n", result.Suggestion)
	}
}

// executablePath returns the absolute path of the running binary.
func executablePath(utils fsUtils) (string, error) {
	exe, err := utils.Executable()
	if err != nil {
		return "", err
	}
	if abs, err := filepath.Abs(exe); err == nil {
		return abs, nil
	}
	return exe, nil
}

// Check 1: the binary can be launched by an agent
func checkBinary(utils fsUtils) checkResult {
	exe, err := executablePath(utils)
	if err != nil {
		return failed("binary", "Could not determine binary location", fmt.Sprintf("Error: %v", err))
	}
	info, err := utils.Stat(exe)
	if err != nil || info == nil {
		return failed("binary", "Could not stat binary "+exe, fmt.Sprintf("Error: %v", err))
	}
	if info.Mode()&0o111 == 0 {
		return failed("binary", "Binary is not executable: "+exe, "Run: chmod +x "+exe)
	}
	return passed("binary", "Binary is executable: %s", exe)
}

// mcpConfigLocation is a place an MCP agent reads its server list from.
type mcpConfigLocation struct {
	Agent string
	Path  string
}

// mcpConfigLocations lists agent configs, project-level ones first.
func mcpConfigLocations(utils fsUtils) []mcpConfigLocation {
	var locs []mcpConfigLocation
	if cwd, _ := utils.Getwd(); cwd != "" {
		locs = append(locs,
			mcpConfigLocation{"Gemini CLI", filepath.Join(cwd, ".gemini", "settings.json")},
			mcpConfigLocation{"Claude Code", filepath.Join(cwd, ".claude", "settings.json")},
		)
	}

	home, err := utils.UserHomeDir()
	if err != nil {
		return locs
	}
	global := filepath.Join(home, ".config", "claude-code", "mcp_settings.json")
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		global = filepath.Join(appData, "Claude Code", "mcp_settings.json")
	}
	return append(locs, mcpConfigLocation{"Claude Code", global})
}

// Check 2: an agent config launches this binary
func checkMCPConfig(utils fsUtils) checkResult {
	locs := mcpConfigLocations(utils)
	if len(locs) == 0 {
		return failed("mcp_config", "MCP config not found", "Could not determine the home or working directory")
	}

	var found *mcpConfigLocation
	for i := range locs {
		if _, err := utils.Stat(locs[i].Path); err == nil {
			found = &locs[i]
			break
		}
	}

	exe, _ := executablePath(utils)
	if found == nil {
		var checked strings.Builder
		for _, loc := range locs {
			fmt.Fprintf(&checked, "  - %s\n", loc.Path)
		}
		return failed("mcp_config", "MCP config not found", fmt.Sprintf(`Checked:
%s
  Add csvedit-mcp to your agent's config, for example:
  {
    "mcpServers": {
      "csvedit-mcp": {
        "command": "%s",
        "args": ["serve"]
      }
    }
  }`, checked.String(), exe))
	}

	data, err := utils.ReadFile(found.Path)
	if err != nil {
		return failed("mcp_config", "Could not read MCP config", fmt.Sprintf("Error reading %s: %v", found.Path, err))
	}
	var config struct {
		MCPServers map[string]struct {
			Command string `json:"command"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return failed("mcp_config", "MCP config is not valid JSON", fmt.Sprintf("Error parsing %s: %v", found.Path, err))
	}

	message := fmt.Sprintf("%s config found: %s", found.Agent, found.Path)
	entry, ok := config.MCPServers["csvedit-mcp"]
	switch {
	case !ok:
		return warned("mcp_config", message, "No 'csvedit-mcp' entry under 'mcpServers'; add one to use this server")
	case entry.Command != "" && entry.Command != exe:
		return warned("mcp_config", message, fmt.Sprintf("Configured command %s differs from this binary %s", entry.Command, exe))
	}
	return passed("mcp_config", "%s", message)
}

// Check 3: csvedit-mcp settings files
func checkSettings(utils fsUtils) checkResult {
	paths := settingsPaths(utils)
	if len(paths) == 0 {
		return passed("settings", "Settings: built-in defaults (no config file)")
	}

	cfg, err := loadSettings(utils, paths)
	if err == nil {
		_, err = cfg.RegistryConfig()
	}
	if err != nil {
		return failed("settings", "Settings are invalid",
			fmt.Sprintf("Error: %v\n  Files: %s", err, strings.Join(paths, ", ")))
	}
	return passed("settings", "Settings valid: %s", strings.Join(paths, ", "))
}

// Check 4: auto-save backup directory
func checkBackupDir(utils fsUtils) checkResult {
	cfg, err := loadSettings(utils, settingsPaths(utils))
	if err != nil {
		cfg = DefaultConfig()
	}
	dir := cfg.BackupDir
	if !filepath.IsAbs(dir) {
		if cwd, err := utils.Getwd(); err == nil {
			dir = filepath.Join(cwd, dir)
		}
	}

	info, err := utils.Stat(dir)
	switch {
	case err != nil || info == nil:
		return warned("backup_dir", "Backup directory does not exist yet: "+dir,
			"It is created on the first backup, versioned or inline-content save")
	case !info.IsDir():
		return failed("backup_dir", "Backup path is not a directory: "+dir,
			"Set backup_dir in the config or pass --backup-dir")
	}
	return passed("backup_dir", "Backup directory: %s", dir)
}

// settingsPaths lists existing global and project config files, mirroring
// ConfigPaths through utils.
func settingsPaths(utils fsUtils) []string {
	var paths []string
	if home, err := utils.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".config", "csvedit-mcp")
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := utils.Stat(filepath.Join(dir, name)); err == nil {
				paths = append(paths, filepath.Join(dir, name))
				break
			}
		}
	}

	dir, err := utils.Getwd()
	if err != nil || dir == "" {
		return paths
	}
	for {
		for _, name := range projectConfigNames {
			if _, err := utils.Stat(filepath.Join(dir, name)); err == nil {
				return append(paths, filepath.Join(dir, name))
			}
		}
		if _, err := utils.Stat(filepath.Join(dir, ".git")); err == nil {
			return paths
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return paths
		}
		dir = parent
	}
}

// loadSettings layers the given files over the defaults.
func loadSettings(utils fsUtils, paths []string) (*Config, error) {
	cfg := DefaultConfig()
	for _, path := range paths {
		data, err := utils.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		layer, err := parseConfig(path, data)
		if err != nil {
			return nil, err
		}
		cfg = MergeConfigs(cfg, layer)
	}
	return cfg, nil
}
