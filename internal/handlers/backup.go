package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/sjson"

	"motorctl/internal/commands"
	"motorctl/internal/device"
	"motorctl/internal/fileutil"
	"motorctl/internal/logging"
	"motorctl/internal/textutil"
)

type backupHandler struct {
	deps Deps
}

func (h *backupHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	logger := invocationLogger(inv)
	path := inv.Args.Path("file")
	if path == "" {
		path = defaultBackupPath(h.deps, handle)
	}

	doc, count, err := dumpConfiguration(ctx, inv, handle.Device())
	if err != nil {
		return err
	}
	if err := fileutil.WriteFileAtomic(path, doc, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	logger.Info("configuration saved",
		logging.String(logging.FieldEventType, "backup_written"),
		logging.String("path", path),
		logging.Int("properties", count),
	)
	if store := h.deps.Inventory; store != nil && handle.SerialNumber != "" {
		if _, err := store.RecordBackup(ctx, handle.SerialNumber, path, count); err != nil {
			logging.WarnWithContext(logger, "could not record backup in inventory", "inventory_write_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "restore-config needs an explicit file for this backup"),
			)
		}
	}
	fmt.Fprintf(h.deps.Stdout, "Saved %d properties to %s\n", count, path)
	return nil
}

// dumpConfiguration reads every writable configuration property into a
// nested JSON document keyed by property path.
func dumpConfiguration(ctx context.Context, inv commands.Invocation, dev device.Device) ([]byte, int, error) {
	props, err := dev.List(ctx, "")
	if err != nil {
		return nil, 0, abortOr(ctx, fmt.Errorf("list properties: %w", err))
	}
	doc := []byte("{}")
	count := 0
	for _, p := range props {
		if !isConfigProperty(p) {
			continue
		}
		if err := checkToken(inv.Token); err != nil {
			return nil, 0, err
		}
		value, err := dev.Get(ctx, p.Path)
		if err != nil {
			return nil, 0, abortOr(ctx, fmt.Errorf("read %s: %w", p.Path, err))
		}
		if doc, err = sjson.SetBytes(doc, p.Path, value); err != nil {
			return nil, 0, fmt.Errorf("encode %s: %w", p.Path, err)
		}
		count++
	}
	if count == 0 {
		return nil, 0, errors.New("device exposes no configuration properties")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, doc, "", "  "); err != nil {
		return nil, 0, fmt.Errorf("format backup: %w", err)
	}
	pretty.WriteByte('\n')
	return pretty.Bytes(), count, nil
}

// isConfigProperty selects persistent settings: writable properties under a
// "config" node.
func isConfigProperty(p device.Property) bool {
	if !p.Writable {
		return false
	}
	return strings.HasPrefix(p.Path, "config.") || strings.Contains(p.Path, ".config.")
}

func defaultBackupPath(deps Deps, handle *device.Handle) string {
	name := handle.SerialNumber
	if name == "" {
		name = textutil.SanitizeFileName(handle.ID)
	}
	return filepath.Join(deps.Config.Paths.BackupDir, name+".json")
}
