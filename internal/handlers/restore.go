package handlers

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/logging"
)

// ErrInvalidBackup reports a backup file that is not a JSON object.
var ErrInvalidBackup = errors.New("invalid backup file")

type restoreHandler struct {
	deps Deps
}

type configLeaf struct {
	path  string
	value gjson.Result
}

func (h *restoreHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	logger := invocationLogger(inv)
	path, err := h.resolvePath(ctx, inv, handle)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidBackup, path)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return fmt.Errorf("%w: %s does not hold an object", ErrInvalidBackup, path)
	}
	var leaves []configLeaf
	flattenJSON("", root, &leaves)

	dev := handle.Device()
	props, err := dev.List(ctx, "")
	if err != nil {
		return abortOr(ctx, fmt.Errorf("list properties: %w", err))
	}
	known := make(map[string]device.Property, len(props))
	for _, p := range props {
		known[p.Path] = p
	}

	var (
		restored int
		failures []error
	)
	for _, leaf := range leaves {
		if err := checkToken(inv.Token); err != nil {
			return err
		}
		prop, ok := known[leaf.path]
		if !ok || !prop.Writable {
			logging.WarnWithContext(logger, "skipping property not writable on this device", "restore_property_skipped",
				logging.String("property", leaf.path),
				logging.String(logging.FieldImpact, "the setting keeps its current value"),
			)
			continue
		}
		value, err := convertJSONValue(leaf.value, prop.Type)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", leaf.path, err))
			continue
		}
		if err := dev.Set(ctx, leaf.path, value); err != nil {
			if ctx.Err() != nil {
				return abortOr(ctx, err)
			}
			failures = append(failures, fmt.Errorf("%s: %w", leaf.path, err))
			continue
		}
		restored++
	}
	if len(failures) > 0 {
		return fmt.Errorf("restore incomplete, configuration not saved: %w", errors.Join(failures...))
	}

	if _, err := dev.Call(ctx, device.FnSaveConfiguration); err != nil && !lostConnection(err) {
		return abortOr(ctx, fmt.Errorf("save configuration: %w", err))
	}
	logger.Info("configuration restored",
		logging.String(logging.FieldEventType, "restore_complete"),
		logging.String("path", path),
		logging.Int("properties", restored),
	)
	fmt.Fprintf(h.deps.Stdout, "Restored %d properties from %s\n", restored, path)
	return nil
}

// resolvePath prefers an explicit file, then the newest backup recorded for
// the device, then the default backup location.
func (h *restoreHandler) resolvePath(ctx context.Context, inv commands.Invocation, handle *device.Handle) (string, error) {
	if path := inv.Args.Path("file"); path != "" {
		return path, nil
	}
	if store := h.deps.Inventory; store != nil && handle.SerialNumber != "" {
		backup, err := store.LatestBackup(ctx, handle.SerialNumber)
		if err != nil {
			invocationLogger(inv).Debug("no recorded backup", logging.Error(err))
		} else if backup != nil {
			if _, statErr := os.Stat(backup.Path); statErr == nil {
				return backup.Path, nil
			}
		}
	}
	return defaultBackupPath(h.deps, handle), nil
}

func flattenJSON(prefix string, r gjson.Result, out *[]configLeaf) {
	if r.IsObject() {
		r.ForEach(func(key, value gjson.Result) bool {
			path := key.String()
			if prefix != "" {
				path = prefix + "." + path
			}
			flattenJSON(path, value, out)
			return true
		})
		return
	}
	*out = append(*out, configLeaf{path: prefix, value: r})
}

// convertJSONValue maps a JSON value onto the property's wire type.
func convertJSONValue(r gjson.Result, typ string) (any, error) {
	switch typ {
	case "bool":
		if r.Type != gjson.True && r.Type != gjson.False {
			return nil, fmt.Errorf("expected bool, got %s", r.Type)
		}
		return r.Bool(), nil
	case "int":
		if r.Type != gjson.Number {
			return nil, fmt.Errorf("expected integer, got %s", r.Type)
		}
		if r.Num < 0 {
			return r.Int(), nil
		}
		return r.Uint(), nil
	case "float":
		if r.Type != gjson.Number {
			return nil, fmt.Errorf("expected number, got %s", r.Type)
		}
		return r.Float(), nil
	case "string":
		return r.String(), nil
	}
	switch r.Type {
	case gjson.True, gjson.False:
		return r.Bool(), nil
	case gjson.Number:
		return r.Float(), nil
	case gjson.String:
		return r.Str, nil
	default:
		return nil, fmt.Errorf("unsupported value %s", r.Raw)
	}
}
