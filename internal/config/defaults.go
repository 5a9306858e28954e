package config

const (
	defaultConfigPath         = "~/.config/motorctl/config.toml"
	defaultDevicePath         = "usb:idVendor=0x1209:idProduct=0x0D32:bInterfaceClass=0:bInterfaceSubClass=1:bInterfaceProtocol=0"
	defaultPollIntervalMS     = 1000
	defaultBaudRate           = 115200
	defaultStateDir           = "~/.local/share/motorctl"
	defaultBackupDir          = "~/.local/share/motorctl/backups"
	defaultLogDir             = "~/.local/share/motorctl/logs"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 14
	defaultShellPrompt        = "motorctl> "
	defaultShellHistoryFile   = "~/.local/share/motorctl/shell_history"
	defaultDFUChunkSize       = 256
	defaultDFUDownloadTimeout = 120
	defaultDFUAppAddress      = 0x08000000
	defaultLivePlotIntervalMS = 100
	defaultRateTestProperty   = "vbus_voltage"
	defaultRateTestSeconds    = 10
	defaultUdevRulesPath      = "/etc/udev/rules.d/91-motorctl.rules"
	defaultUdevMode           = "0666"
	defaultUdevGroup          = "plugdev"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Device: Device{
			Path:           defaultDevicePath,
			PollIntervalMS: defaultPollIntervalMS,
			BaudRate:       defaultBaudRate,
			LockDir:        defaultLockDir(),
			Hotplug:        true,
		},
		Paths: Paths{
			StateDir:  defaultStateDir,
			BackupDir: defaultBackupDir,
			LogDir:    defaultLogDir,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Shell: Shell{
			Prompt:      defaultShellPrompt,
			HistoryFile: defaultShellHistoryFile,
		},
		DFU: DFU{
			ChunkSize:       defaultDFUChunkSize,
			DownloadTimeout: defaultDFUDownloadTimeout,
			AppAddress:      defaultDFUAppAddress,
		},
		LivePlotter: LivePlotter{
			Properties: []string{"axis0.encoder.pos_estimate", "axis1.encoder.pos_estimate"},
			IntervalMS: defaultLivePlotIntervalMS,
		},
		RateTest: RateTest{
			Property:        defaultRateTestProperty,
			DurationSeconds: defaultRateTestSeconds,
		},
		Udev: Udev{
			RulesPath: defaultUdevRulesPath,
			Group:     defaultUdevGroup,
			Mode:      defaultUdevMode,
		},
	}
}
