package handlers

import (
	"context"
	"fmt"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/logging"
)

type unlockHandler struct {
	deps Deps
}

// Invoke removes read-out protection. The bootloader mass-erases the flash
// as part of that, so firmware must be flashed again afterwards.
func (h *unlockHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	logger := invocationLogger(inv)
	dev := handle.Device()

	logging.WarnWithContext(logger, "unlocking device; flash contents will be erased", "unlock_started",
		logging.String(logging.FieldImpact, "the device has no firmware until dfu is run"),
		logging.Alert("flash_erase"),
	)
	steps := []struct {
		stage  string
		method string
	}{
		{"enter dfu", device.FnEnterDFU},
		{"erase", device.FnDFUErase},
		{"unlock", device.FnDFUUnlock},
	}
	for _, step := range steps {
		if err := checkToken(inv.Token); err != nil {
			return err
		}
		logger.Info("unlock step", logging.String(logging.FieldProgressStage, step.stage))
		if _, err := dev.Call(ctx, step.method); err != nil {
			return abortOr(ctx, fmt.Errorf("%s: %w", step.stage, err))
		}
	}
	fmt.Fprintf(h.deps.Stdout, "Device %s unlocked. Run 'motorctl dfu' to install firmware.\n", handle)
	return nil
}
