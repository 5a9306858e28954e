package commands

import "slices"

// Name identifies a subcommand. The set is closed.
type Name string

const (
	Shell         Name = "shell"
	DFU           Name = "dfu"
	Unlock        Name = "unlock"
	BackupConfig  Name = "backup-config"
	RestoreConfig Name = "restore-config"
	LivePlotter   Name = "liveplotter"
	DRVStatus     Name = "drv-status"
	RateTest      Name = "rate-test"
	UdevSetup     Name = "udev-setup"
)

var allNames = []Name{
	Shell,
	DFU,
	Unlock,
	BackupConfig,
	RestoreConfig,
	LivePlotter,
	DRVStatus,
	RateTest,
	UdevSetup,
}

// Names returns every command name in help order.
func Names() []Name {
	return slices.Clone(allNames)
}

// Valid reports whether n is one of the known commands.
func (n Name) Valid() bool {
	return slices.Contains(allNames, n)
}

func (n Name) String() string { return string(n) }
