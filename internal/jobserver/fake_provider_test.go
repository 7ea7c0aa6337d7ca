package jobserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/masa-finance/scan-worker/internal/sandbox"
)

// runScript is what one extraction run reports. The result appears once
// every progress value has been read and gate, if set, is closed.
type runScript struct {
	progress []int
	artifact sandbox.Artifact
	raw      []byte
	exitCode int
	gate     chan struct{}
}

type scriptedProvider struct {
	mu         sync.Mutex
	acquireErr error
	scripts    []runScript
	runs       int
	current    *runScript
	next       int
	released   map[string]int
	injected   []sandbox.SessionCookies
	authAsked  int

	// with lag set, a run writes its result lag after Run returns and
	// files keep whatever earlier runs wrote
	lag   time.Duration
	files map[string][]byte
}

func newLaggingProvider(lag time.Duration, scripts ...runScript) *scriptedProvider {
	p := newScriptedProvider(scripts...)
	p.lag = lag
	p.files = map[string][]byte{}
	return p
}

func newScriptedProvider(scripts ...runScript) *scriptedProvider {
	return &scriptedProvider{scripts: scripts, released: map[string]int{}}
}

func (p *scriptedProvider) setAcquireErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

func (p *scriptedProvider) Acquire(context.Context, string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return sandbox.Handle{}, p.acquireErr
	}
	p.next++
	id := fmt.Sprintf("sbx-%d", p.next)
	return sandbox.Handle{ID: id, LiveURL: "https://live.example/" + id}, nil
}

func (p *scriptedProvider) Run(_ context.Context, _ sandbox.Handle, cmd sandbox.Command) (sandbox.CommandResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runs >= len(p.scripts) {
		return sandbox.CommandResult{ExitCode: 127, Stderr: "no script"}, nil
	}
	s := p.scripts[p.runs]
	p.runs++
	if s.exitCode != 0 {
		return sandbox.CommandResult{ExitCode: s.exitCode, Stderr: "boom"}, nil
	}
	if p.lag > 0 {
		args, err := sandbox.ParseExtractCommand(cmd)
		if err != nil {
			return sandbox.CommandResult{ExitCode: 2, Stderr: err.Error()}, nil
		}
		data, err := json.Marshal(s.artifact)
		if err != nil {
			return sandbox.CommandResult{}, err
		}
		resultPath := sandbox.ResultPath(args.OutDir)
		time.AfterFunc(p.lag, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.files, resultPath)
			p.files[resultPath] = data
		})
		return sandbox.CommandResult{}, nil
	}
	p.current = &s
	return sandbox.CommandResult{}, nil
}

func (p *scriptedProvider) ReadFile(_ context.Context, _ sandbox.Handle, path string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files != nil {
		data, ok := p.files[path]
		if !ok {
			return nil, sandbox.ErrNotFound
		}
		return data, nil
	}
	s := p.current
	if s == nil {
		return nil, sandbox.ErrNotFound
	}

	if strings.HasSuffix(path, sandbox.ProgressFile) {
		if len(s.progress) == 0 {
			return nil, sandbox.ErrNotFound
		}
		n := s.progress[0]
		s.progress = s.progress[1:]
		return json.Marshal(sandbox.ProgressReport{Progress: n})
	}

	if len(s.progress) > 0 {
		return nil, sandbox.ErrNotFound
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		default:
			return nil, sandbox.ErrNotFound
		}
	}
	if s.raw != nil {
		return s.raw, nil
	}
	return json.Marshal(s.artifact)
}

func (p *scriptedProvider) Release(_ context.Context, h sandbox.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released[h.ID]++
	p.current = nil
	return nil
}

func (p *scriptedProvider) RequestInteractiveAuth(_ context.Context, h sandbox.Handle) (sandbox.AuthChallenge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authAsked++
	return sandbox.AuthChallenge{URL: h.LiveURL}, nil
}

func (p *scriptedProvider) InjectSession(_ context.Context, _ sandbox.Handle, s sandbox.SessionCookies) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.injected = append(p.injected, s)
	return nil
}

func (p *scriptedProvider) Ping(context.Context) error {
	return nil
}

func (p *scriptedProvider) releases(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released[id]
}

func (p *scriptedProvider) totalReleases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.released {
		n += c
	}
	return n
}

func (p *scriptedProvider) injectedSessions() []sandbox.SessionCookies {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.SessionCookies(nil), p.injected...)
}

func (p *scriptedProvider) authRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authAsked
}
