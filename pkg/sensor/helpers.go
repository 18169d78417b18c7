package sensor

import "github.com/ericogr/nanosense/pkg/config"

// simulatedOhms expands the per-channel simulation resistances from the
// config. Channels without an entry get DefaultOhms scaled by index so each
// bridge balances at a different tap.
func simulatedOhms(cfg config.Config) []float64 {
	out := make([]float64, cfg.NanoChannels)
	for i := range out {
		if v, ok := cfg.Simulation.Resistances[i]; ok {
			out[i] = v
			continue
		}
		out[i] = cfg.Simulation.DefaultOhms * (0.5 + float64(i)/float64(2*cfg.NanoChannels))
	}
	return out
}
