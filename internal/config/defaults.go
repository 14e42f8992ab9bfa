package config

import (
	"runtime"
)

// PlatformDefaults holds platform-specific default values
type PlatformDefaults struct {
	LogFile    string
	ConfigPath string
	FTPRoot    string
	Shell      string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:    `C:\ProgramData\bootd\bootd.log`,
			ConfigPath: `C:\ProgramData\bootd\config.yaml`,
			FTPRoot:    `C:\ProgramData\bootd\files`,
			Shell:      "cmd.exe",
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:    "/var/log/bootd/bootd.log",
			ConfigPath: "/usr/local/etc/bootd/config.yaml",
			FTPRoot:    "/var/db/bootd",
			Shell:      "/bin/sh",
		}
	default:
		return PlatformDefaults{
			LogFile:    "/var/log/bootd/bootd.log",
			ConfigPath: "/etc/bootd/config.yaml",
			FTPRoot:    "/var/lib/bootd",
			Shell:      "/bin/sh",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// UpdateConfigDefaults sets viper defaults that depend on the platform
func UpdateConfigDefaults(v interface{ SetDefault(key string, value any) }) {
	defaults := GetPlatformDefaults()

	v.SetDefault("logging.file", defaults.LogFile)
	v.SetDefault("ftpd.root", defaults.FTPRoot)
	v.SetDefault("commands.shell", defaults.Shell)
}
