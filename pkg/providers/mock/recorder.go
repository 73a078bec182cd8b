package mock

import (
	"sync"
	"time"

	"github.com/harunnryd/voxarb/pkg/adapters"
	"github.com/harunnryd/voxarb/pkg/configutil"
)

// Recorder is a factory that hands out scripted adapters and remembers them.
// Scripts are consumed in order; the last one repeats.
type Recorder struct {
	mu       sync.Mutex
	scripts  []Script
	built    []*Adapter
	requests []adapters.Request
}

func NewRecorder(scripts ...Script) *Recorder {
	if len(scripts) == 0 {
		scripts = []Script{{}}
	}
	return &Recorder{scripts: scripts}
}

// SetScripts replaces the remaining scripts.
func (r *Recorder) SetScripts(scripts ...Script) {
	if len(scripts) == 0 {
		scripts = []Script{{}}
	}
	r.mu.Lock()
	r.scripts = scripts
	r.mu.Unlock()
}

func (r *Recorder) Factory() adapters.Factory {
	return func(req adapters.Request) (adapters.Adapter, error) {
		r.mu.Lock()
		script := r.scripts[0]
		if len(r.scripts) > 1 {
			r.scripts = r.scripts[1:]
		}
		r.requests = append(r.requests, req)
		if script.FactoryErr != nil {
			r.mu.Unlock()
			return nil, script.FactoryErr
		}
		a := newAdapter(req, script)
		r.built = append(r.built, a)
		r.mu.Unlock()
		if script.Warmup != 0 {
			return WarmAdapter{Adapter: a}, nil
		}
		return a, nil
	}
}

// Built returns adapters in construction order.
func (r *Recorder) Built() []*Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Adapter(nil), r.built...)
}

// Last returns the most recently built adapter.
func (r *Recorder) Last() *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.built) == 0 {
		return nil
	}
	return r.built[len(r.built)-1]
}

// Requests returns every factory request, including failed ones.
func (r *Recorder) Requests() []adapters.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adapters.Request(nil), r.requests...)
}

// Settings configures mock adapters from a vendor settings block.
type Settings struct {
	Transcript  string `mapstructure:"transcript"`
	ResultDelay int    `mapstructure:"result_delay_ms"`
	StartDelay  int    `mapstructure:"start_delay_ms"`
}

// Schema validates Settings maps.
var Schema = configutil.Schema{
	Optional: []string{"transcript", "result_delay_ms", "start_delay_ms"},
}

// NewFactory builds unrecorded adapters that all follow script.
func NewFactory(script Script) adapters.Factory {
	return func(req adapters.Request) (adapters.Adapter, error) {
		if script.FactoryErr != nil {
			return nil, script.FactoryErr
		}
		a := newAdapter(req, script)
		if script.Warmup != 0 {
			return WarmAdapter{Adapter: a}, nil
		}
		return a, nil
	}
}

// ScriptFrom turns vendor settings into a script.
func ScriptFrom(s Settings) Script {
	script := Script{
		StartDelay:  time.Duration(s.StartDelay) * time.Millisecond,
		ResultDelay: time.Duration(s.ResultDelay) * time.Millisecond,
	}
	if s.Transcript != "" {
		script.Transcripts = []string{s.Transcript}
		script.Confidence = []float32{1}
	}
	return script
}
