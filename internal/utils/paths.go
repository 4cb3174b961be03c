package utils

import (
	"os"
	"path/filepath"
	"runtime"
)

const defaultAppName = "settlement-node"

type AppPaths struct {
	AppDir    string
	ConfigDir string
	LogDir    string
	DataDir   string
	TempDir   string
}

// GetAppPaths resolves the OS specific directories for appName and creates them.
// When any directory cannot be created everything falls back to the working directory.
func GetAppPaths(appName string) *AppPaths {
	if appName == "" {
		appName = defaultAppName
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		if homeDir, err = os.Getwd(); err != nil {
			homeDir = "."
		}
	}

	paths := &AppPaths{TempDir: os.TempDir()}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		paths.AppDir = filepath.Join(appData, appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(paths.AppDir, "logs")
		paths.DataDir = paths.AppDir

	case "darwin":
		paths.AppDir = filepath.Join(homeDir, "Library", "Application Support", appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = filepath.Join(homeDir, "Library", "Logs", appName)
		paths.DataDir = paths.AppDir

	case "linux":
		// XDG Base Directory layout
		paths.ConfigDir = filepath.Join(xdgDir("XDG_CONFIG_HOME", homeDir, ".config"), appName)
		paths.DataDir = filepath.Join(xdgDir("XDG_DATA_HOME", homeDir, ".local", "share"), appName)
		paths.LogDir = filepath.Join(xdgDir("XDG_CACHE_HOME", homeDir, ".cache"), appName, "logs")
		paths.AppDir = paths.DataDir

	default:
		paths.AppDir = filepath.Join(homeDir, "."+appName)
		paths.ConfigDir = paths.AppDir
		paths.LogDir = paths.AppDir
		paths.DataDir = paths.AppDir
	}

	for _, dir := range []string{paths.AppDir, paths.ConfigDir, paths.LogDir, paths.DataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			paths.AppDir = "."
			paths.ConfigDir = "."
			paths.LogDir = "."
			paths.DataDir = "."
			break
		}
	}

	return paths
}

func xdgDir(env string, homeDir string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(append([]string{homeDir}, fallback...)...)
}

// GetConfigPath returns the path to a config file
func (ap *AppPaths) GetConfigPath(filename string) string {
	return filepath.Join(ap.ConfigDir, filepath.FromSlash(filename))
}

// GetLogPath returns the path to a log file
func (ap *AppPaths) GetLogPath(filename string) string {
	return filepath.Join(ap.LogDir, filepath.FromSlash(filename))
}

// GetDataPath returns the path to a data file. Absolute names are returned unchanged.
func (ap *AppPaths) GetDataPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(ap.DataDir, filepath.FromSlash(filename))
}

// DataPath resolves filename inside data_dir when it is configured, else the app data dir
func DataPath(cm *ConfigManager, filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	if dir := cm.GetConfigWithDefault("data_dir", ""); dir != "" {
		return filepath.Join(dir, filepath.FromSlash(filename))
	}
	return GetAppPaths("").GetDataPath(filename)
}
