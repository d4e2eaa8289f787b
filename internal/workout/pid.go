package workout

const (
	hrPidKp          = 2.5
	hrPidKi          = 0.15
	hrPidKd          = 0.5
	hrPidStartOutput = 100
	hrPidOutputMin   = 50
	hrPidIntegralMax = 150
	hrPidMaxFTPMult  = 1.0
)

// hrPID turns the heart rate error into a power output in watts. The output
// accumulates, so a steady error keeps pushing power in the same direction.
type hrPID struct {
	integral    float64
	lastError   float64
	output      float64
	initialized bool
}

func (p *hrPID) reset() {
	*p = hrPID{}
}

// update runs one iteration and returns the new power output, clamped to
// [hrPidOutputMin, maxOutput]
func (p *hrPID) update(targetHR, currentHR, maxOutput float64) float64 {
	if !p.initialized {
		p.output = hrPidStartOutput
		p.initialized = true
	}

	// Positive when HR is below target
	err := targetHR - currentHR

	p.integral = min(max(p.integral+err, -hrPidIntegralMax), hrPidIntegralMax)
	derivative := err - p.lastError
	p.lastError = err

	p.output += hrPidKp*err + hrPidKi*p.integral + hrPidKd*derivative
	p.output = min(max(p.output, hrPidOutputMin), max(maxOutput, hrPidOutputMin))
	return p.output
}
