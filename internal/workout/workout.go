package workout

import (
	"errors"
	"fmt"
	"time"
)

// TargetMode defines what metric a block targets
type TargetMode string

const (
	// TargetModePower targets a power expressed as a multiple of FTP
	TargetModePower TargetMode = "power"

	// TargetModeHeartRate targets a heart rate expressed as a multiple of max
	// HR; power is driven by a PID loop on the measured heart rate
	TargetModeHeartRate TargetMode = "heart-rate"
)

// Block is a single interval in a workout
type Block struct {
	Mode TargetMode `json:"mode"`

	// Power mode. The target ramps linearly from StartFTPMult to EndFTPMult.
	StartFTPMult float64 `json:"start_ftp_mult,omitempty"`
	EndFTPMult   float64 `json:"end_ftp_mult,omitempty"`

	// Heart rate mode
	TargetMaxHRMult float64 `json:"target_max_hr_mult,omitempty"`

	// TargetCadence applies to both modes, 0 leaves the cadence set-point alone
	TargetCadence int `json:"target_cadence,omitempty"`

	Seconds int `json:"seconds"`
}

func (b Block) Duration() time.Duration {
	return time.Duration(b.Seconds) * time.Second
}

// Workout is an ordered list of blocks
type Workout struct {
	Name   string  `json:"name"`
	Blocks []Block `json:"blocks"`
}

func (w *Workout) TotalDuration() time.Duration {
	var total time.Duration
	for _, block := range w.Blocks {
		total += block.Duration()
	}
	return total
}

var ErrInvalidWorkout = errors.New("invalid workout")

// Validate checks every block. An empty mode means TargetModePower.
func (w *Workout) Validate() error {
	if len(w.Blocks) == 0 {
		return fmt.Errorf("%w: %q has no blocks", ErrInvalidWorkout, w.Name)
	}
	for i, b := range w.Blocks {
		if b.Seconds <= 0 {
			return fmt.Errorf("%w: block %d has no duration", ErrInvalidWorkout, i)
		}
		if b.TargetCadence < 0 || b.TargetCadence > 250 {
			return fmt.Errorf("%w: block %d cadence %d out of range", ErrInvalidWorkout, i, b.TargetCadence)
		}
		switch b.Mode {
		case TargetModePower, "":
			if b.StartFTPMult <= 0 || b.EndFTPMult <= 0 {
				return fmt.Errorf("%w: block %d needs positive FTP multipliers", ErrInvalidWorkout, i)
			}
		case TargetModeHeartRate:
			if b.TargetMaxHRMult <= 0 || b.TargetMaxHRMult > 1 {
				return fmt.Errorf("%w: block %d heart rate multiplier must be in (0, 1]", ErrInvalidWorkout, i)
			}
		default:
			return fmt.Errorf("%w: block %d has unknown mode %q", ErrInvalidWorkout, i, b.Mode)
		}
	}
	return nil
}

const (
	heartRateZone2MaxHRRatio = 0.67
	heartRateZone3MaxHRRatio = 0.75
)

func steady(ftpMult float64, minutes int) Block {
	return Block{Mode: TargetModePower, StartFTPMult: ftpMult, EndFTPMult: ftpMult, TargetCadence: 90, Seconds: minutes * 60}
}

func ramp(from, to float64, minutes int) Block {
	return Block{Mode: TargetModePower, StartFTPMult: from, EndFTPMult: to, TargetCadence: 90, Seconds: minutes * 60}
}

func heartRate(maxHRMult float64, minutes int) Block {
	return Block{Mode: TargetModeHeartRate, TargetMaxHRMult: maxHRMult, TargetCadence: 90, Seconds: minutes * 60}
}

func repeat(n int, blocks ...Block) []Block {
	out := make([]Block, 0, n*len(blocks))
	for range n {
		out = append(out, blocks...)
	}
	return out
}

// Library returns the built-in workouts
func Library() []Workout {
	return []Workout{
		{
			Name:   "30 Min Endurance",
			Blocks: []Block{steady(0.50, 5), steady(0.65, 20), steady(0.50, 5)},
		},
		{
			Name:   "20 Min FTP Test",
			Blocks: []Block{steady(0.50, 5), steady(0.70, 3), steady(0.50, 2), steady(1.05, 20), steady(0.40, 5)},
		},
		{
			Name: "5x5 Threshold Intervals",
			Blocks: append(append([]Block{steady(0.50, 5)},
				repeat(4, steady(1.00, 5), steady(0.50, 3))...),
				steady(1.00, 5), steady(0.50, 5)),
		},
		{
			Name:   "Recovery Spin",
			Blocks: []Block{ramp(0.40, 0.45, 10), steady(0.45, 25), ramp(0.45, 0.35, 10)},
		},
		{
			Name: "VO2max 4x4",
			Blocks: append(append([]Block{steady(0.50, 10)},
				repeat(3, steady(1.20, 4), steady(0.50, 4))...),
				steady(1.20, 4), steady(0.50, 10)),
		},
		{
			Name:   "HR Zone 2 - 30 Min",
			Blocks: []Block{heartRate(heartRateZone2MaxHRRatio, 30)},
		},
		{
			Name:   "HR Zone 2 - 60 Min",
			Blocks: []Block{heartRate(heartRateZone2MaxHRRatio, 60)},
		},
		{
			Name:   "HR Zone 3 - 60 Min",
			Blocks: []Block{heartRate(heartRateZone3MaxHRRatio, 60)},
		},
	}
}

// Find returns the built-in workout with the given name
func Find(name string) (Workout, bool) {
	for _, w := range Library() {
		if w.Name == name {
			return w, true
		}
	}
	return Workout{}, false
}
