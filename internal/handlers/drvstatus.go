package handlers

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"motorctl/internal/commands"
	"motorctl/internal/device"
)

const gateDriverNode = ".motor.gate_driver."

// Gate driver registers, in display order.
var drvRegisters = []string{"drv_fault", "status_reg_1", "status_reg_2", "ctrl_reg_1", "ctrl_reg_2"}

// drvFaultBits names the bits of the drv_fault register.
var drvFaultBits = []string{
	0:  "FET_LOW_C_OVERCURRENT",
	1:  "FET_HIGH_C_OVERCURRENT",
	2:  "FET_LOW_B_OVERCURRENT",
	3:  "FET_HIGH_B_OVERCURRENT",
	4:  "FET_LOW_A_OVERCURRENT",
	5:  "FET_HIGH_A_OVERCURRENT",
	6:  "OVERTEMPERATURE_WARNING",
	7:  "OVERTEMPERATURE_SHUTDOWN",
	8:  "P_VDD_UNDERVOLTAGE",
	9:  "G_VDD_UNDERVOLTAGE",
	10: "G_VDD_OVERVOLTAGE",
}

type drvStatusHandler struct {
	deps Deps
}

func (h *drvStatusHandler) Invoke(ctx context.Context, inv commands.Invocation) error {
	handle, err := requireDevice(inv)
	if err != nil {
		return err
	}
	dev := handle.Device()
	axes, err := gateDriverAxes(ctx, dev)
	if err != nil {
		return abortOr(ctx, err)
	}
	if len(axes) == 0 {
		return fmt.Errorf("%s exposes no gate driver registers", handle)
	}

	title := cases.Title(language.English)
	var rows [][]string
	for _, axis := range axes {
		for _, reg := range drvRegisters {
			if err := checkToken(inv.Token); err != nil {
				return err
			}
			raw, err := dev.Get(ctx, axis+gateDriverNode+reg)
			if err != nil {
				return abortOr(ctx, fmt.Errorf("read %s %s: %w", axis, reg, err))
			}
			value, ok := device.AsUint(raw)
			if !ok {
				return fmt.Errorf("%s %s: unexpected value %v", axis, reg, raw)
			}
			decoded := ""
			if reg == "drv_fault" {
				decoded = decodeDRVFault(value)
			}
			rows = append(rows, []string{
				title.String(axis),
				title.String(strings.ReplaceAll(reg, "_", " ")),
				fmt.Sprintf("0x%04x", value),
				decoded,
			})
		}
	}
	fmt.Fprintln(h.deps.Stdout, renderTable(
		[]string{"Axis", "Register", "Value", "Decoded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	))
	return nil
}

// gateDriverAxes returns the axes that expose gate driver registers.
func gateDriverAxes(ctx context.Context, dev device.Device) ([]string, error) {
	props, err := dev.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list properties: %w", err)
	}
	var axes []string
	for _, p := range props {
		axis, _, ok := strings.Cut(p.Path, gateDriverNode)
		if !ok || strings.Contains(axis, ".") || slices.Contains(axes, axis) {
			continue
		}
		axes = append(axes, axis)
	}
	slices.Sort(axes)
	return axes, nil
}

func decodeDRVFault(value uint64) string {
	if value == 0 {
		return "none"
	}
	var names []string
	for bit, name := range drvFaultBits {
		if value&(1<<bit) != 0 {
			names = append(names, name)
			value &^= 1 << bit
		}
	}
	if value != 0 {
		names = append(names, fmt.Sprintf("unknown 0x%x", value))
	}
	return strings.Join(names, ", ")
}
