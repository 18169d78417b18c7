package sensor

// Stage is a device initialization step, reported in this order.
type Stage int

const (
	StageBus Stage = iota
	StageMux
	StageADC
	StageUART
	StageRheostat
)

func (s Stage) String() string {
	switch s {
	case StageBus:
		return "bus-setup"
	case StageMux:
		return "mux-setup"
	case StageADC:
		return "adc-setup"
	case StageUART:
		return "uart-setup"
	case StageRheostat:
		return "rheostat-setup"
	default:
		return "unknown"
	}
}

// Percent is the share of initialization finished when s starts.
func (s Stage) Percent() int {
	return 100 * int(s) / int(StageRheostat)
}

// Progress is emitted towards the presentation side. Calibrating is false
// for initialization stages; for calibration Channel counts 0..Channels.
type Progress struct {
	Stage       Stage
	Calibrating bool
	Channel     int
	Channels    int
}
