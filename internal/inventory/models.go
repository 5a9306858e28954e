package inventory

import "time"

// DeviceRecord is a controller motorctl has connected to.
type DeviceRecord struct {
	SerialNumber string
	Transport    string
	Location     string
	HWVersion    string
	FWVersion    string
	FirstSeen    time.Time
	LastSeen     time.Time
	SeenCount    int
}

// Backup is a configuration dump written by backup-config.
type Backup struct {
	ID           int64
	SerialNumber string
	Path         string
	Properties   int
	CreatedAt    time.Time
}

// FlashStatus is the outcome of a firmware update.
type FlashStatus string

const (
	FlashRunning   FlashStatus = "running"
	FlashSucceeded FlashStatus = "succeeded"
	FlashFailed    FlashStatus = "failed"
)

// Flash is one firmware update attempt.
type Flash struct {
	ID           int64
	SerialNumber string
	Image        string
	Size         int64
	CRC32        uint32
	Status       FlashStatus
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}
