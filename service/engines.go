package service

import "github.com/RocketWill/ByteWhisperer/engine"

// EngineLister is satisfied by *engine.Manager.
type EngineLister interface {
	Backend() string
	Engines() []*engine.Engine
}

type EngineStatus struct {
	ID             string   `json:"id"`
	State          string   `json:"state"`
	ModelPath      string   `json:"modelPath"`
	ConfThreshold  float32  `json:"confThreshold"`
	NmsThreshold   float32  `json:"nmsThreshold"`
	ScoreThreshold float32  `json:"scoreThreshold"`
	InpWidth       int      `json:"inpWidth"`
	InpHeight      int      `json:"inpHeight"`
	Names          []string `json:"names"`
}

type BackendStatus struct {
	Backend string         `json:"backend"`
	Engines []EngineStatus `json:"engines"`
}

// Status describes the backend of l and every live engine on it.
func Status(l EngineLister) BackendStatus {
	engines := l.Engines()
	out := BackendStatus{Backend: l.Backend(), Engines: make([]EngineStatus, 0, len(engines))}
	for _, e := range engines {
		info := e.Info()
		names := info.Names
		if names == nil {
			names = []string{}
		}
		out.Engines = append(out.Engines, EngineStatus{
			ID:             info.ID,
			State:          engine.StateName(info.State),
			ModelPath:      info.Config.ModelPath,
			ConfThreshold:  info.Config.ConfThreshold,
			NmsThreshold:   info.Config.NmsThreshold,
			ScoreThreshold: info.Config.ScoreThreshold,
			InpWidth:       info.Config.InpWidth,
			InpHeight:      info.Config.InpHeight,
			Names:          names,
		})
	}
	return out
}
