package handlers

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/logging"
)

var (
	// ErrVerifyFailed reports a flash whose read-back checksum differs from
	// the image.
	ErrVerifyFailed = errors.New("firmware verification failed")
	// ErrImageAddress reports an Intel HEX image that does not start at the
	// application address.
	ErrImageAddress = errors.New("firmware image address mismatch")
)

type firmwareImage struct {
	name string
	data []byte
	base uint32
}

type dfuHandler struct {
	deps Deps
}

func (h *dfuHandler) Invoke(ctx context.Context, inv commands.Invocation) (err error) {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	logger := invocationLogger(inv)
	chunkSize := inv.Args.Int("chunk-size")
	if chunkSize <= 0 {
		return &commands.InvalidArgumentError{Name: "chunk-size", Reason: "must be positive"}
	}

	img, err := h.loadImage(ctx, inv.Args.Path("file"))
	if err != nil {
		return err
	}
	crc := crc32.ChecksumIEEE(img.data)
	logger.Info("firmware image loaded",
		logging.String(logging.FieldEventType, "dfu_image_loaded"),
		logging.String("image", img.name),
		logging.Int("bytes", len(img.data)),
		logging.String("base_address", fmt.Sprintf("0x%08x", img.base)),
		logging.String("crc32", fmt.Sprintf("%08x", crc)),
	)

	if store := h.deps.Inventory; store != nil {
		id, recErr := store.StartFlash(ctx, handle.SerialNumber, img.name, int64(len(img.data)), crc)
		if recErr != nil {
			logger.Debug("could not record flash start", logging.Error(recErr))
		} else {
			defer func() {
				if finErr := store.FinishFlash(context.WithoutCancel(ctx), id, err); finErr != nil {
					logger.Debug("could not record flash result", logging.Error(finErr))
				}
			}()
		}
	}

	dev := handle.Device()
	if err := checkToken(inv.Token); err != nil {
		return err
	}
	if _, err := dev.Call(ctx, device.FnEnterDFU); err != nil {
		return abortOr(ctx, fmt.Errorf("enter dfu mode: %w", err))
	}
	if err := checkToken(inv.Token); err != nil {
		return err
	}
	logger.Info("erasing flash", logging.String(logging.FieldProgressStage, "erase"))
	if _, err := dev.Call(ctx, device.FnDFUErase); err != nil {
		return abortOr(ctx, fmt.Errorf("erase flash: %w", err))
	}
	if err := h.write(ctx, inv, dev, img.data, chunkSize); err != nil {
		return err
	}

	logger.Info("verifying flash", logging.String(logging.FieldProgressStage, "verify"))
	raw, err := dev.Call(ctx, device.FnDFUCRC32, uint64(len(img.data)))
	if err != nil {
		return abortOr(ctx, fmt.Errorf("read back checksum: %w", err))
	}
	got, ok := device.AsUint(raw)
	if !ok || uint32(got) != crc {
		return fmt.Errorf("%w: device reports %v, image is %08x", ErrVerifyFailed, raw, crc)
	}

	if _, err := dev.Call(ctx, device.FnReboot); err != nil && !lostConnection(err) {
		return fmt.Errorf("reboot: %w", err)
	}
	logger.Info("firmware update complete",
		logging.String(logging.FieldEventType, "dfu_complete"),
		logging.Int("bytes", len(img.data)),
	)
	fmt.Fprintf(h.deps.Stdout, "Flashed %s (%d bytes, crc32 %08x)\n", img.name, len(img.data), crc)
	return nil
}

func (h *dfuHandler) write(ctx context.Context, inv commands.Invocation, dev device.Device, data []byte, chunkSize int) error {
	logger := invocationLogger(inv)
	bar := progressbar.NewOptions64(int64(len(data)),
		progressbar.OptionSetWriter(h.deps.Stderr),
		progressbar.OptionSetDescription("flashing"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetVisibility(isTerminal(h.deps.Stderr)),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	sampler := logging.NewProgressSampler(10)
	for offset := 0; offset < len(data); offset += chunkSize {
		if err := checkToken(inv.Token); err != nil {
			return fmt.Errorf("flash interrupted at offset %d: %w", offset, err)
		}
		end := min(offset+chunkSize, len(data))
		if _, err := dev.Call(ctx, device.FnDFUWrite, uint64(offset), data[offset:end]); err != nil {
			return abortOr(ctx, fmt.Errorf("write at offset %d: %w", offset, err))
		}
		_ = bar.Add(end - offset)
		percent := float64(end) * 100 / float64(len(data))
		if sampler.ShouldLog(percent, "write") {
			logger.Info("flashing",
				logging.String(logging.FieldProgressStage, "write"),
				logging.Float64(logging.FieldProgressPercent, percent),
			)
		}
	}
	return nil
}

// loadImage reads the firmware from path, or downloads the configured
// release when path is empty.
func (h *dfuHandler) loadImage(ctx context.Context, path string) (firmwareImage, error) {
	var (
		name string
		data []byte
		err  error
	)
	if path != "" {
		name = filepath.Base(path)
		data, err = os.ReadFile(path)
		if err != nil {
			return firmwareImage{}, fmt.Errorf("read firmware: %w", err)
		}
	} else {
		name, data, err = h.download(ctx)
		if err != nil {
			return firmwareImage{}, err
		}
	}

	img := firmwareImage{name: name, data: data, base: uint32(h.deps.Config.DFU.AppAddress)}
	if isIntelHex(name, data) {
		img.data, img.base, err = parseIntelHex(data)
		if err != nil {
			return firmwareImage{}, fmt.Errorf("parse %s: %w", name, err)
		}
		// dfu.write offsets count from the application start, so the image
		// has to begin exactly there.
		if app := uint32(h.deps.Config.DFU.AppAddress); img.base != app {
			return firmwareImage{}, fmt.Errorf("%w: %s starts at 0x%08x, application flash starts at 0x%08x", ErrImageAddress, name, img.base, app)
		}
	}
	if len(img.data) == 0 {
		return firmwareImage{}, fmt.Errorf("firmware image %s is empty", name)
	}
	return img, nil
}

func (h *dfuHandler) download(ctx context.Context) (string, []byte, error) {
	url := h.deps.Config.DFU.FirmwareURL
	if url == "" {
		return "", nil, &commands.InvalidArgumentError{Name: "file", Reason: "no firmware file given and dfu.firmware_url is not configured"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("firmware url: %w", err)
	}
	resp, err := h.deps.HTTP.Do(req)
	if err != nil {
		return "", nil, abortOr(ctx, fmt.Errorf("download firmware: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("download firmware: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, abortOr(ctx, fmt.Errorf("download firmware: %w", err))
	}
	return filepath.Base(req.URL.Path), data, nil
}
