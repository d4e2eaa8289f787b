package dashboard

import (
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/trainer-engine/internal/gatt"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/trainer"
	"github.com/lowaak/smart-trainer/trainer-engine/internal/workout"
)

func formatDevice(d DeviceEntry) string {
	return fmt.Sprintf("%s (%s) %s %d dBm", d.Name, d.ID, deviceTypeLabel(d.Type), d.RSSI)
}

func deviceTypeLabel(t gatt.DeviceType) string {
	switch t {
	case gatt.DeviceTypeHeartRate:
		return "[red]HR[white]"
	case gatt.DeviceTypeSmartTrainer:
		return "[blue]FTMS[white]"
	default:
		return "[gray]?[white]"
	}
}

func formatSlot(slot trainer.SlotKind, devices ConnectedBySlot) string {
	d, ok := devices[slot]
	if !ok {
		return " [gray]None[white]"
	}
	text := fmt.Sprintf(" [green]●[white] %s (%s)", d.Name, d.ID)
	if slot == trainer.SlotTrainer && d.ControlGranted {
		text += " [yellow]control[white]"
	}
	return text
}

func formatMetrics(m Metrics) string {
	var b strings.Builder
	b.WriteString("\n")

	if m.HeartRate != nil {
		fmt.Fprintf(&b, "  [red]♥[white] Heart Rate:  [yellow]%d[white] bpm\n\n", *m.HeartRate)
	}
	if m.PowerWatts != nil {
		fmt.Fprintf(&b, "  [blue]⚡[white] Power:       [yellow]%d[white] W\n\n", *m.PowerWatts)
	}
	if m.CadenceRpm != nil {
		fmt.Fprintf(&b, "  [cyan]↻[white] Cadence:     [yellow]%.0f[white] rpm\n\n", *m.CadenceRpm)
	}
	if m.SpeedKmh != nil {
		fmt.Fprintf(&b, "  [green]→[white] Speed:       [yellow]%.1f[white] km/h\n\n", *m.SpeedKmh)
	}
	if m.DistanceMeters != nil {
		fmt.Fprintf(&b, "  [purple]↦[white] Distance:    [yellow]%s[white]\n\n", formatDistance(*m.DistanceMeters))
	}
	if b.Len() == 1 {
		b.WriteString("\n  [gray]Waiting for data...[white]\n\n")
	}

	fmt.Fprintf(&b, "  [gray]Target power:[white]   %d W\n", m.TargetPowerWatts)
	fmt.Fprintf(&b, "  [gray]Target cadence:[white] %.1f rpm\n", m.TargetCadenceRpm)
	return b.String()
}

func formatDistance(meters uint32) string {
	if meters >= 1000 {
		return fmt.Sprintf("%.2f km", float64(meters)/1000)
	}
	return fmt.Sprintf("%d m", meters)
}

func formatStatus(s StatusView) string {
	var b strings.Builder
	b.WriteString("\n")

	state := string(s.Engine.State)
	switch s.Engine.State {
	case trainer.EngineReady:
		state = "[green]" + state + "[white]"
	case trainer.EngineError:
		state = "[red]" + state + "[white]"
	}
	fmt.Fprintf(&b, "  [gray]Engine:[white]     %s (%s)\n", state, s.Engine.Mode)
	if s.Engine.Error != "" {
		fmt.Fprintf(&b, "  [red]%s[white]\n", s.Engine.Error)
	}

	scanning := "off"
	if s.Engine.Scanning {
		scanning = "[yellow]on[white]"
	}
	fmt.Fprintf(&b, "  [gray]Scanning:[white]   %s\n", scanning)
	fmt.Fprintf(&b, "  [gray]Session:[white]    %s\n", s.Session)
	if s.Engine.Mode == trainer.ModeSimulation {
		fmt.Fprintf(&b, "  [gray]Simulation:[white] %s\n", s.Engine.Simulation)
	}
	if s.SpinDown != "" {
		fmt.Fprintf(&b, "  [gray]Spin down:[white]  %s\n", s.SpinDown)
	}
	if s.Workout.Name != "" {
		fmt.Fprintf(&b, "  [gray]Workout:[white]    %s\n", formatWorkout(s.Workout))
	}
	return b.String()
}

func formatWorkout(w workout.State) string {
	text := fmt.Sprintf("%s (%s)", w.Name, w.Status)
	if w.Completed {
		return text + " [green]complete[white]"
	}
	if w.Status != workout.StatusRunning && w.Status != workout.StatusPaused {
		return text
	}
	text += fmt.Sprintf("\n              block %d/%d, %s left", w.BlockIndex+1, w.BlockCount, formatClock(w.RemainingSeconds))
	if w.BlockMode == workout.TargetModeHeartRate {
		return text + fmt.Sprintf("\n              target [red]%d[white] bpm, %d W", w.TargetHeartRate, w.TargetPowerWatts)
	}
	return text + fmt.Sprintf("\n              target [green]%d[white] W", w.TargetPowerWatts)
}

func formatClock(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func formatSpinDownSuccess(elapsed uint16) string {
	return fmt.Sprintf("Done in %d ms", elapsed)
}

const keyHelp = "[yellow]s[white] Scan  [yellow]Enter[white] Connect  [yellow]d[white] Disconnect  " +
	"[yellow]+/-[white] Power  [yellow],/.[white] Cadence  [yellow]Space[white] Session  [yellow]x[white] Stop  " +
	"[yellow]t[white] Start trainer  [yellow]r[white] Spin down  [yellow]e[white] Export  [yellow]p[white] Simulation  " +
	"[yellow]n[white] Next workout  [yellow]w[white] Workout  [yellow]Esc[white] Quit"
