package workout

const (
	hrPidKp          = 2.5
	hrPidKi          = 0.15
	hrPidKd          = 0.5
	hrPidStart       = 100
	hrPidOutputMin   = 50
	hrPidIntegralMax = 150
	hrPidMaxFTP      = 1.0
)

// hrPID drives power so heart rate settles on a target
type hrPID struct {
	integral    float64
	lastError   float64
	output      float64
	initialized bool
}

func (p *hrPID) reset() {
	*p = hrPID{}
}

// update runs one iteration and returns the power in watts, clamped to
// [hrPidOutputMin, maxOutput]. A positive error means heart rate is below
// target.
func (p *hrPID) update(targetHR, currentHR, maxOutput float64) float64 {
	if !p.initialized {
		p.output = hrPidStart
		p.initialized = true
	}

	err := targetHR - currentHR

	p.integral += err
	if p.integral > hrPidIntegralMax {
		p.integral = hrPidIntegralMax
	} else if p.integral < -hrPidIntegralMax {
		p.integral = -hrPidIntegralMax
	}

	p.output += hrPidKp*err + hrPidKi*p.integral + hrPidKd*(err-p.lastError)
	p.lastError = err

	if p.output < hrPidOutputMin {
		p.output = hrPidOutputMin
	} else if p.output > maxOutput {
		p.output = maxOutput
	}
	return p.output
}
